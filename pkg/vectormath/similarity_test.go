package vectormath

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		a := []float32{1.0, 2.0, 3.0}
		sim := CosineSimilarity(a, a)
		if math.Abs(sim-1.0) > 1e-9 {
			t.Errorf("CosineSimilarity(a, a) = %f, want 1.0", sim)
		}
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		a := []float32{1.0, 0.0}
		b := []float32{0.0, 1.0}
		sim := CosineSimilarity(a, b)
		if math.Abs(sim) > 1e-9 {
			t.Errorf("CosineSimilarity = %f, want 0", sim)
		}
	})

	t.Run("opposite vectors", func(t *testing.T) {
		a := []float32{1.0, 2.0}
		b := []float32{-1.0, -2.0}
		sim := CosineSimilarity(a, b)
		if math.Abs(sim+1.0) > 1e-9 {
			t.Errorf("CosineSimilarity = %f, want -1.0", sim)
		}
	})

	t.Run("known value", func(t *testing.T) {
		a := []float32{1.0, 2.0, 3.0}
		b := []float32{4.0, 5.0, 6.0}
		sim := CosineSimilarity(a, b)
		if math.Abs(sim-0.9746318461970762) > 1e-6 {
			t.Errorf("CosineSimilarity = %f, want ~0.974632", sim)
		}
	})

	t.Run("zero vector returns 0 not NaN", func(t *testing.T) {
		a := []float32{0.0, 0.0, 0.0}
		b := []float32{1.0, 2.0, 3.0}
		sim := CosineSimilarity(a, b)
		if math.IsNaN(sim) {
			t.Fatal("zero vector produced NaN")
		}
		if sim != 0 {
			t.Errorf("CosineSimilarity with zero vector = %f, want 0", sim)
		}
	})

	t.Run("length mismatch returns 0", func(t *testing.T) {
		if sim := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); sim != 0 {
			t.Errorf("mismatched lengths = %f, want 0", sim)
		}
	})

	t.Run("empty vectors return 0", func(t *testing.T) {
		if sim := CosineSimilarity(nil, nil); sim != 0 {
			t.Errorf("empty vectors = %f, want 0", sim)
		}
	})
}

func TestScore(t *testing.T) {
	t.Run("clamps negative similarity to zero", func(t *testing.T) {
		a := []float32{1.0, 0.0}
		b := []float32{-1.0, 0.0}
		if s := Score(a, b); s != 0 {
			t.Errorf("Score = %f, want 0", s)
		}
	})

	t.Run("positive similarity passes through", func(t *testing.T) {
		a := []float32{1.0, 2.0, 3.0}
		if s := Score(a, a); math.Abs(s-1.0) > 1e-9 {
			t.Errorf("Score = %f, want 1.0", s)
		}
	})
}

func TestDotProduct(t *testing.T) {
	a := []float32{1.0, 2.0, 3.0}
	b := []float32{4.0, 5.0, 6.0}

	if dot := DotProduct(a, b); math.Abs(dot-32.0) > 1e-9 {
		t.Errorf("DotProduct = %f, want 32.0", dot)
	}

	if dot := DotProduct(a, []float32{1.0}); dot != 0 {
		t.Errorf("mismatched lengths = %f, want 0", dot)
	}
}

func TestNormalize(t *testing.T) {
	t.Run("unit length after normalize", func(t *testing.T) {
		v := Normalize([]float32{3.0, 4.0})
		if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
			t.Errorf("Normalize = %v, want [0.6, 0.8]", v)
		}
	})

	t.Run("input unchanged", func(t *testing.T) {
		original := []float32{3.0, 4.0}
		Normalize(original)
		if original[0] != 3.0 || original[1] != 4.0 {
			t.Errorf("Normalize modified input: %v", original)
		}
	})

	t.Run("zero vector stays zero", func(t *testing.T) {
		v := Normalize([]float32{0, 0, 0})
		for _, x := range v {
			if x != 0 {
				t.Fatalf("zero vector normalized to %v", v)
			}
		}
	})
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3.0, 4.0}
	NormalizeInPlace(v)
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("NormalizeInPlace = %v, want [0.6, 0.8]", v)
	}

	// Dot product with itself should be ~1 after normalization.
	if dot := DotProduct(v, v); math.Abs(dot-1.0) > 1e-6 {
		t.Errorf("normalized self dot product = %f, want 1.0", dot)
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero([]float32{0, 0, 0}) {
		t.Error("IsZero = false for zero vector")
	}
	if IsZero([]float32{0, 0.001, 0}) {
		t.Error("IsZero = true for non-zero vector")
	}
	if !IsZero(nil) {
		t.Error("IsZero = false for nil vector")
	}
}

func BenchmarkCosineSimilarity(b *testing.B) {
	a := make([]float32, 384)
	c := make([]float32, 384)
	for i := range a {
		a[i] = float32(i) / 384.0
		c[i] = float32(384-i) / 384.0
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CosineSimilarity(a, c)
	}
}

func BenchmarkDotProduct(b *testing.B) {
	a := make([]float32, 384)
	c := make([]float32, 384)
	for i := range a {
		a[i] = float32(i) / 384.0
		c[i] = float32(384-i) / 384.0
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotProduct(a, c)
	}
}
