package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

func testEntry(key, recordID string) *Entry {
	return &Entry{
		Key:      key,
		Query:    key,
		Record:   &supplement.Supplement{ID: recordID, Name: "Test " + recordID},
		Score:    0.95,
		StoredAt: time.Now(),
	}
}

// ============================================================================
// Basic operations
// ============================================================================

func TestMemoryTierGetPut(t *testing.T) {
	tier := NewMemoryTier(10, time.Hour)
	ctx := context.Background()

	t.Run("miss on empty tier", func(t *testing.T) {
		_, err := tier.Get(ctx, "absent")
		if !errors.Is(err, ErrMiss) {
			t.Errorf("expected ErrMiss, got %v", err)
		}
	})

	t.Run("hit after put", func(t *testing.T) {
		if err := tier.Put(ctx, "k1", testEntry("k1", "rec1")); err != nil {
			t.Fatal(err)
		}
		got, err := tier.Get(ctx, "k1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Record.ID != "rec1" {
			t.Errorf("record ID = %s, want rec1", got.Record.ID)
		}
	})

	t.Run("put replaces existing", func(t *testing.T) {
		_ = tier.Put(ctx, "k1", testEntry("k1", "rec2"))
		got, err := tier.Get(ctx, "k1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Record.ID != "rec2" {
			t.Errorf("record ID = %s, want rec2", got.Record.ID)
		}
		if tier.Len() != 1 {
			t.Errorf("Len = %d, want 1", tier.Len())
		}
	})

	t.Run("delete", func(t *testing.T) {
		_ = tier.Delete(ctx, "k1")
		if _, err := tier.Get(ctx, "k1"); !errors.Is(err, ErrMiss) {
			t.Errorf("expected ErrMiss after delete, got %v", err)
		}
	})
}

// ============================================================================
// TTL expiry
// ============================================================================

func TestMemoryTierExpiry(t *testing.T) {
	tier := NewMemoryTier(10, 20*time.Millisecond)
	ctx := context.Background()

	_ = tier.Put(ctx, "k1", testEntry("k1", "rec1"))

	if _, err := tier.Get(ctx, "k1"); err != nil {
		t.Fatalf("expected hit before expiry, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Lazy expiry: the lookup itself removes the dead entry.
	if _, err := tier.Get(ctx, "k1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
	if tier.Len() != 0 {
		t.Errorf("Len = %d after expired lookup, want 0", tier.Len())
	}
}

// ============================================================================
// Eviction order
// ============================================================================

func TestMemoryTierEviction(t *testing.T) {
	t.Run("LRU eviction at capacity", func(t *testing.T) {
		tier := NewMemoryTier(3, time.Hour)
		ctx := context.Background()

		_ = tier.Put(ctx, "a", testEntry("a", "ra"))
		_ = tier.Put(ctx, "b", testEntry("b", "rb"))
		_ = tier.Put(ctx, "c", testEntry("c", "rc"))

		// Touch "a" so "b" becomes least recently used.
		_, _ = tier.Get(ctx, "a")

		_ = tier.Put(ctx, "d", testEntry("d", "rd"))

		if _, err := tier.Get(ctx, "b"); !errors.Is(err, ErrMiss) {
			t.Error("expected LRU entry 'b' to be evicted")
		}
		if _, err := tier.Get(ctx, "a"); err != nil {
			t.Error("recently used entry 'a' should survive")
		}
	})

	t.Run("unread entries evict in insertion order", func(t *testing.T) {
		tier := NewMemoryTier(2, time.Hour)
		ctx := context.Background()

		_ = tier.Put(ctx, "first", testEntry("first", "r1"))
		_ = tier.Put(ctx, "second", testEntry("second", "r2"))
		_ = tier.Put(ctx, "third", testEntry("third", "r3"))

		if _, err := tier.Get(ctx, "first"); !errors.Is(err, ErrMiss) {
			t.Error("expected oldest inserted entry to be evicted first")
		}
	})

	t.Run("expired entries evicted before live ones", func(t *testing.T) {
		tier := NewMemoryTier(3, 20*time.Millisecond)
		ctx := context.Background()

		_ = tier.Put(ctx, "old1", testEntry("old1", "r1"))
		_ = tier.Put(ctx, "old2", testEntry("old2", "r2"))
		time.Sleep(30 * time.Millisecond)

		// "fresh" is newest; with the tier full, the next insert must
		// evict an expired entry, not "fresh".
		_ = tier.Put(ctx, "fresh", testEntry("fresh", "rf"))
		_, _ = tier.Get(ctx, "fresh") // make fresh most recently used
		_ = tier.Put(ctx, "newer", testEntry("newer", "rn"))

		if _, err := tier.Get(ctx, "fresh"); err != nil {
			t.Error("live entry evicted while expired entries remained")
		}
		if _, err := tier.Get(ctx, "newer"); err != nil {
			t.Error("just-inserted entry missing")
		}
	})
}

// ============================================================================
// Record invalidation
// ============================================================================

func TestMemoryTierDeleteByRecord(t *testing.T) {
	tier := NewMemoryTier(10, time.Hour)
	ctx := context.Background()

	// Two queries cached against the same record, one against another.
	_ = tier.Put(ctx, "q1", testEntry("q1", "shared"))
	_ = tier.Put(ctx, "q2", testEntry("q2", "shared"))
	_ = tier.Put(ctx, "q3", testEntry("q3", "other"))

	if err := tier.DeleteByRecord(ctx, "shared"); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"q1", "q2"} {
		if _, err := tier.Get(ctx, key); !errors.Is(err, ErrMiss) {
			t.Errorf("entry %s for invalidated record still cached", key)
		}
	}
	if _, err := tier.Get(ctx, "q3"); err != nil {
		t.Error("unrelated entry was invalidated")
	}
}

// ============================================================================
// Stats and concurrency
// ============================================================================

func TestMemoryTierStats(t *testing.T) {
	tier := NewMemoryTier(10, time.Hour)
	ctx := context.Background()

	_ = tier.Put(ctx, "k1", testEntry("k1", "r1"))
	_, _ = tier.Get(ctx, "k1")
	_, _ = tier.Get(ctx, "k1")
	_, _ = tier.Get(ctx, "absent")

	stats := tier.Stats()
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("Size = %d, want 1", stats.Size)
	}
	if rate := stats.HitRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("HitRate = %f, want ~0.667", rate)
	}
}

func TestMemoryTierConcurrent(t *testing.T) {
	tier := NewMemoryTier(1000, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%10)
			_ = tier.Put(ctx, key, testEntry(key, fmt.Sprintf("r%d", i)))
			_, _ = tier.Get(ctx, key)
			if i%5 == 0 {
				_ = tier.Delete(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if tier.Len() > 10 {
		t.Errorf("Len = %d, want at most 10 distinct keys", tier.Len())
	}
}

func BenchmarkMemoryTierGet(b *testing.B) {
	tier := NewMemoryTier(10000, time.Hour)
	ctx := context.Background()
	_ = tier.Put(ctx, "hot", testEntry("hot", "r1"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tier.Get(ctx, "hot")
	}
}

func BenchmarkMemoryTierPut(b *testing.B) {
	tier := NewMemoryTier(10000, time.Hour)
	ctx := context.Background()
	entry := testEntry("k", "r")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tier.Put(ctx, fmt.Sprintf("k%d", i%10000), entry)
	}
}
