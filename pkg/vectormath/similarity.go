// Package vectormath provides vector similarity operations for supplement search.
//
// This package consolidates the similarity and normalization math used by the
// vector store, the resolver, and the discovery pipeline. Use these functions
// instead of implementing your own to keep scoring consistent everywhere.
//
// Main Functions:
//   - CosineSimilarity: Raw cosine similarity in [-1, 1]
//   - Score: Cosine similarity clamped to [0, 1] for threshold comparison
//   - DotProduct: Dot product (equals cosine similarity for unit vectors)
//   - Normalize: Returns a normalized copy of a vector
//   - IsZero: Reports whether a vector has zero magnitude
package vectormath

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical direction, 0 = orthogonal.
//
// Uses float64 accumulation for precision even with float32 inputs.
// Zero-magnitude or mismatched-length vectors return 0 rather than NaN;
// callers treat 0 as a non-match.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := vectormath.CosineSimilarity(a, b) // 0.9746...
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProd, normA, normB float64
	for i := range a {
		dotProd += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProd / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Score returns cosine similarity clamped to [0, 1].
//
// Text embeddings rarely produce negative cosine values, but when they do
// the candidate is by definition a worse match than "unrelated", so the
// score floors at 0. This is the value compared against the configured
// similarity threshold.
func Score(a, b []float32) float64 {
	sim := CosineSimilarity(a, b)
	if sim < 0 {
		return 0
	}
	return sim
}

// DotProduct calculates the dot product of two float32 vectors.
// Returns float64 for precision. For unit vectors, the dot product
// equals cosine similarity.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// IsZero reports whether every component of the vector is zero.
// Zero-magnitude vectors have undefined cosine similarity and must be
// rejected before they reach the index.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// Normalize returns a normalized copy of the vector (unit length).
// The input is not modified. A zero vector normalizes to a zero vector.
//
// Example:
//
//	v := vectormath.Normalize([]float32{3.0, 4.0}) // [0.6, 0.8]
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}

	normalized := make([]float32, len(vec))
	if sumSquares == 0 {
		return normalized
	}

	norm := math.Sqrt(sumSquares)
	for i, v := range vec {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}

// NormalizeInPlace normalizes a vector in-place (modifies the input).
// After normalization the vector has unit length, except for zero
// vectors which are left unchanged.
func NormalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= norm
	}
}
