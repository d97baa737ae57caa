package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latisnere77/SuplementIA-sub012/pkg/cache"
	"github.com/latisnere77/SuplementIA-sub012/pkg/embed"
	"github.com/latisnere77/SuplementIA-sub012/pkg/evidence"
	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

const workerTestDims = 16

type workerHarness struct {
	queue  *Queue
	store  *index.Store
	memory *cache.MemoryTier
	caches *cache.TieredCache
	worker *Worker
}

func newWorkerHarness(t *testing.T, validator evidence.Validator) *workerHarness {
	t.Helper()

	q, err := NewQueue(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	store, err := index.OpenInMemory(workerTestDims)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mem := cache.NewMemoryTier(100, time.Hour)
	tiered := cache.NewTiered(mem)

	embedder := embed.NewLocal(&embed.Config{Provider: "local", Model: "local-hash", Dimensions: workerTestDims})

	cfg := &WorkerConfig{
		ScanInterval: 10 * time.Millisecond,
		MaxRetries:   3,
		Retention:    time.Hour,
		GCInterval:   time.Hour,
		StepTimeout:  5 * time.Second,
	}

	w := NewWorker(q, store, embedder, validator, tiered, cfg)
	t.Cleanup(w.Close)

	return &workerHarness{queue: q, store: store, memory: mem, caches: tiered, worker: w}
}

// waitForStatus polls until the item reaches the wanted status.
func waitForStatus(t *testing.T, q *Queue, id, want string) *Item {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		item, err := q.Get(context.Background(), id)
		if err == nil && item.Status == want {
			return item
		}
		select {
		case <-deadline:
			status := "<missing>"
			if err == nil {
				status = item.Status
			}
			t.Fatalf("item %s never reached %s (last status %s)", id, want, status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerDiscoversSupplement(t *testing.T) {
	h := newWorkerHarness(t, &evidence.StaticValidator{Counts: map[string]int{
		"ashwagandha": 200,
	}})
	ctx := context.Background()

	item, err := h.queue.Enqueue(ctx, "Ashwagandha")
	require.NoError(t, err)

	// Seed a stale cache entry for the originating query; discovery
	// must invalidate it.
	require.NoError(t, h.memory.Put(ctx, item.ID, &cache.Entry{
		Key:    item.ID,
		Query:  "ashwagandha",
		Record: &supplement.Supplement{ID: "stale"},
	}))

	h.worker.Trigger()
	waitForStatus(t, h.queue, item.ID, StatusCompleted)

	rec, err := h.store.FindByName(ctx, "ashwagandha")
	require.NoError(t, err)
	assert.Equal(t, "Ashwagandha", rec.Name)
	assert.Equal(t, "A", rec.EvidenceGrade)
	assert.False(t, rec.LowConfidence)
	assert.Equal(t, 200, rec.StudyCount)
	assert.Len(t, rec.Vector, workerTestDims)

	_, err = h.memory.Get(ctx, item.ID)
	assert.ErrorIs(t, err, cache.ErrMiss, "stale cache entry survived discovery")

	stats := h.worker.Stats()
	assert.GreaterOrEqual(t, stats.Completed, int64(1))
}

func TestWorkerRejectsNoEvidence(t *testing.T) {
	h := newWorkerHarness(t, &evidence.StaticValidator{Counts: map[string]int{}})
	ctx := context.Background()

	item, err := h.queue.Enqueue(ctx, "asdfgh nonsense")
	require.NoError(t, err)

	h.worker.Trigger()
	got := waitForStatus(t, h.queue, item.ID, StatusFailed)

	assert.Equal(t, ReasonNoEvidence, got.LastError)
	assert.Equal(t, 1, got.Retries, "terminal rejection must not burn the retry budget repeatedly")

	_, err = h.store.FindByName(ctx, "asdfgh nonsense")
	assert.ErrorIs(t, err, index.ErrNotFound)

	stats := h.worker.Stats()
	assert.GreaterOrEqual(t, stats.Rejected, int64(1))
}

func TestWorkerFlagsLowConfidence(t *testing.T) {
	// Two studies is thin evidence but it is evidence: the candidate
	// must be inserted flagged low-confidence, never rejected.
	h := newWorkerHarness(t, &evidence.StaticValidator{Counts: map[string]int{
		"fadogia agrestis": 2,
	}})
	ctx := context.Background()

	item, err := h.queue.Enqueue(ctx, "fadogia agrestis")
	require.NoError(t, err)

	h.worker.Trigger()
	waitForStatus(t, h.queue, item.ID, StatusCompleted)

	rec, err := h.store.FindByName(ctx, "fadogia agrestis")
	require.NoError(t, err)
	assert.True(t, rec.LowConfidence)
	assert.Equal(t, "D", rec.EvidenceGrade)
	assert.Equal(t, 2, rec.StudyCount)
}

func TestWorkerCompletesAlreadyKnown(t *testing.T) {
	h := newWorkerHarness(t, &evidence.StaticValidator{Counts: map[string]int{}})
	ctx := context.Background()

	// Insert the record before the worker sees the item: an admin
	// insert raced the discovery pipeline.
	embedder := embed.NewLocal(&embed.Config{Dimensions: workerTestDims, Provider: "local"})
	vec, err := embedder.Embed(ctx, "creatine")
	require.NoError(t, err)
	rec, err := supplement.NewSupplement(&supplement.Input{Name: "Creatine", Vector: vec})
	require.NoError(t, err)
	require.NoError(t, h.store.Insert(ctx, rec))

	item, err := h.queue.Enqueue(ctx, "creatine")
	require.NoError(t, err)

	h.worker.Trigger()
	waitForStatus(t, h.queue, item.ID, StatusCompleted)
}

type flakyValidator struct {
	failures int
	counts   map[string]int
}

func (v *flakyValidator) Validate(ctx context.Context, name string) (*evidence.Result, error) {
	if v.failures > 0 {
		v.failures--
		return nil, context.DeadlineExceeded
	}
	return (&evidence.StaticValidator{Counts: v.counts}).Validate(ctx, name)
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	validator := &flakyValidator{failures: 2, counts: map[string]int{"rhodiola": 60}}
	h := newWorkerHarness(t, validator)
	ctx := context.Background()

	item, err := h.queue.Enqueue(ctx, "rhodiola")
	require.NoError(t, err)

	h.worker.Trigger()
	got := waitForStatus(t, h.queue, item.ID, StatusCompleted)
	assert.Equal(t, 2, got.Retries)

	rec, err := h.store.FindByName(ctx, "rhodiola")
	require.NoError(t, err)
	assert.Equal(t, "B", rec.EvidenceGrade)
}
