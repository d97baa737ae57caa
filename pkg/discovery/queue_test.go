package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestNewQueueInMemoryIgnoresDataDir(t *testing.T) {
	// In-memory config frequently still carries a data directory from
	// defaults; badger must open disk-less regardless.
	q, err := NewQueue(Options{InMemory: true, DataDir: t.TempDir()})
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(context.Background(), "taurine")
	require.NoError(t, err)
}

func TestEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	t.Run("first sight creates pending item", func(t *testing.T) {
		item, err := q.Enqueue(ctx, "  Shilajit ")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, item.Status)
		assert.Equal(t, "shilajit", item.NormalizedQuery)
		assert.Equal(t, int64(1), item.OccurrenceCount)
		assert.Equal(t, supplement.QueryHash("shilajit"), item.ID)
		assert.False(t, item.CreatedAt.IsZero())
	})

	t.Run("re-enqueue increments occurrence count", func(t *testing.T) {
		item, err := q.Enqueue(ctx, "shilajit")
		require.NoError(t, err)
		assert.Equal(t, int64(2), item.OccurrenceCount)
		assert.Equal(t, StatusPending, item.Status)
	})

	t.Run("spelling variants share one item", func(t *testing.T) {
		item, err := q.Enqueue(ctx, "SHILAJIT")
		require.NoError(t, err)
		assert.Equal(t, int64(3), item.OccurrenceCount)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
	})

	t.Run("empty query rejected", func(t *testing.T) {
		_, err := q.Enqueue(ctx, "   ")
		assert.ErrorIs(t, err, supplement.ErrEmptyQuery)
	})
}

func TestEnqueueConcurrent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(ctx, "berberine"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent enqueue failed: %v", err)
	}

	item, err := q.Get(ctx, supplement.QueryHash("berberine"))
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines), item.OccurrenceCount, "every concurrent enqueue must be counted")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "concurrent enqueues must collapse to one item")
}

func TestClaimNext(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.ClaimNext(ctx)
		assert.ErrorIs(t, err, ErrEmptyQueue)
	})

	t.Run("highest demand first", func(t *testing.T) {
		q := newTestQueue(t)

		_, err := q.Enqueue(ctx, "quiet query")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err = q.Enqueue(ctx, "popular query")
			require.NoError(t, err)
		}

		claimed, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, "popular query", claimed.NormalizedQuery)
		assert.Equal(t, StatusProcessing, claimed.Status)
	})

	t.Run("claimed item not claimable twice", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue(ctx, "single")
		require.NoError(t, err)

		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)

		_, err = q.ClaimNext(ctx)
		assert.ErrorIs(t, err, ErrEmptyQueue)
	})
}

func TestStatusMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("complete", func(t *testing.T) {
		q := newTestQueue(t)
		item, err := q.Enqueue(ctx, "taurine")
		require.NoError(t, err)

		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, item.ID))

		got, err := q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.False(t, got.ProcessedAt.IsZero())
	})

	t.Run("complete requires processing state", func(t *testing.T) {
		q := newTestQueue(t)
		item, err := q.Enqueue(ctx, "taurine")
		require.NoError(t, err)

		err = q.Complete(ctx, item.ID)
		assert.ErrorIs(t, err, ErrNotProcessing)
	})

	t.Run("retryable failure returns to pending", func(t *testing.T) {
		q := newTestQueue(t)
		item, err := q.Enqueue(ctx, "glycine")
		require.NoError(t, err)

		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, item.ID, "embed timeout", false, 3))

		got, err := q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, 1, got.Retries)
		assert.Equal(t, "embed timeout", got.LastError)
	})

	t.Run("retries exhaust to terminal failed", func(t *testing.T) {
		q := newTestQueue(t)
		item, err := q.Enqueue(ctx, "doomed")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = q.ClaimNext(ctx)
			require.NoError(t, err)
			require.NoError(t, q.Fail(ctx, item.ID, "still broken", false, 3))
		}

		got, err := q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, 3, got.Retries)

		_, err = q.ClaimNext(ctx)
		assert.ErrorIs(t, err, ErrEmptyQueue)
	})

	t.Run("terminal failure skips retries", func(t *testing.T) {
		q := newTestQueue(t)
		item, err := q.Enqueue(ctx, "nonsense")
		require.NoError(t, err)

		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, item.ID, ReasonNoEvidence, true, 3))

		got, err := q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
	})

	t.Run("terminal items not resurrected by enqueue", func(t *testing.T) {
		q := newTestQueue(t)
		item, err := q.Enqueue(ctx, "rejected thing")
		require.NoError(t, err)

		_, err = q.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, item.ID, ReasonNoEvidence, true, 3))

		again, err := q.Enqueue(ctx, "rejected thing")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, again.Status)
		assert.Equal(t, int64(1), again.OccurrenceCount)
	})
}

func TestGC(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	completed, err := q.Enqueue(ctx, "done and dusted")
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, completed.ID))

	_, err = q.Enqueue(ctx, "still waiting")
	require.NoError(t, err)

	// Retention of zero makes every completed item eligible.
	time.Sleep(5 * time.Millisecond)
	removed, err := q.GC(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.Get(ctx, completed.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Completed)
}

func TestQueueStats(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "one")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "two")
	require.NoError(t, err)

	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Processing)
}
