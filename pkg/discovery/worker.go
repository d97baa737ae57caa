package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latisnere77/SuplementIA-sub012/pkg/embed"
	"github.com/latisnere77/SuplementIA-sub012/pkg/evidence"
	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// Inserter is the slice of the vector store the worker needs.
type Inserter interface {
	Insert(ctx context.Context, rec *supplement.Supplement) error
	FindByName(ctx context.Context, normalized string) (*supplement.Supplement, error)
}

// Invalidator drops cached entries so a freshly discovered supplement
// is visible on the next query.
type Invalidator interface {
	Delete(ctx context.Context, key string) error
}

// WorkerConfig tunes the discovery worker.
type WorkerConfig struct {
	// ScanInterval is how often the worker polls for pending items
	// when not triggered explicitly.
	ScanInterval time.Duration

	// MaxRetries is how many failed processing attempts an item gets
	// before it parks as failed.
	MaxRetries int

	// Retention is how long completed items are kept before GC.
	Retention time.Duration

	// GCInterval is how often the retention sweep runs.
	GCInterval time.Duration

	// StepTimeout bounds each external call (validate, embed, insert).
	StepTimeout time.Duration
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		ScanInterval: 30 * time.Second,
		MaxRetries:   3,
		Retention:    30 * 24 * time.Hour,
		GCInterval:   time.Hour,
		StepTimeout:  30 * time.Second,
	}
}

// WorkerStats counts worker outcomes.
type WorkerStats struct {
	Processed int64 `json:"processed"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Retried   int64 `json:"retried"`
}

// Worker drains the discovery queue in the background: claim the
// highest-priority pending item, validate it against the research
// record, embed it, insert it into the index, and invalidate the cache
// entry for the originating query.
type Worker struct {
	queue     *Queue
	store     Inserter
	embedder  embed.Embedder
	validator evidence.Validator
	caches    Invalidator
	config    *WorkerConfig

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats WorkerStats
}

// NewWorker creates and starts a discovery worker. caches may be nil
// when no cache sits in front of the store.
func NewWorker(queue *Queue, store Inserter, embedder embed.Embedder, validator evidence.Validator, caches Invalidator, config *WorkerConfig) *Worker {
	if config == nil {
		config = DefaultWorkerConfig()
	}
	defaults := DefaultWorkerConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = defaults.ScanInterval
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = defaults.StepTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		queue:     queue,
		store:     store,
		embedder:  embedder,
		validator: validator,
		caches:    caches,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// Trigger nudges the worker to process now instead of waiting for the
// next scan tick. Non-blocking; a pending nudge is enough.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops the worker and waits for the in-flight item to finish.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	fmt.Println("🔎 Discovery worker started")

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	gcTicker := time.NewTicker(w.config.GCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			fmt.Println("🔎 Discovery worker stopped")
			return
		case <-w.trigger:
			w.drain()
		case <-ticker.C:
			w.drain()
		case <-gcTicker.C:
			if removed, err := w.queue.GC(w.ctx, w.config.Retention); err == nil && removed > 0 {
				fmt.Printf("🧹 Discovery GC removed %d completed items\n", removed)
			}
		}
	}
}

// drain processes pending items until the queue is empty or the worker
// is stopped.
func (w *Worker) drain() {
	for {
		if w.ctx.Err() != nil {
			return
		}
		item, err := w.queue.ClaimNext(w.ctx)
		if errors.Is(err, ErrEmptyQueue) {
			return
		}
		if err != nil {
			fmt.Printf("⚠️  Discovery claim failed: %v\n", err)
			return
		}
		if !w.process(item) {
			// A retryable failure went back to pending. Stop draining
			// so the retry waits for the next tick instead of spinning.
			return
		}
	}
}

// process runs one claimed item through validate -> embed -> insert ->
// invalidate, recording the outcome on the queue. Returns false when a
// retryable failure occurred.
func (w *Worker) process(item *Item) bool {
	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()

	fmt.Printf("🔄 Discovering %q (seen %d times)...\n", item.NormalizedQuery, item.OccurrenceCount)

	ctx, cancel := context.WithTimeout(w.ctx, w.config.StepTimeout)
	defer cancel()

	// Another path may have inserted the record since enqueue.
	if _, err := w.store.FindByName(ctx, item.NormalizedQuery); err == nil {
		w.finishCompleted(item)
		return true
	} else if !errors.Is(err, index.ErrNotFound) {
		w.finishFailed(item, fmt.Sprintf("store lookup: %v", err), false)
		return false
	}

	result, err := w.validator.Validate(ctx, item.NormalizedQuery)
	if errors.Is(err, evidence.ErrNoEvidence) {
		fmt.Printf("🚫 Rejected %q: %s\n", item.NormalizedQuery, ReasonNoEvidence)
		w.finishFailed(item, ReasonNoEvidence, true)
		return true
	}
	if err != nil {
		w.finishFailed(item, fmt.Sprintf("evidence validation: %v", err), false)
		return false
	}

	vec, err := w.embedder.Embed(ctx, item.NormalizedQuery)
	if err != nil {
		w.finishFailed(item, fmt.Sprintf("embedding: %v", err), false)
		return false
	}

	rec, err := supplement.NewSupplement(&supplement.Input{
		Name:   item.Query,
		Vector: vec,
		Metadata: map[string]any{
			"discovered_from": item.NormalizedQuery,
		},
	})
	if err != nil {
		w.finishFailed(item, fmt.Sprintf("record construction: %v", err), true)
		return true
	}
	rec.EvidenceGrade = result.Grade
	rec.StudyCount = result.StudyCount
	rec.LowConfidence = result.LowConfidence

	err = w.store.Insert(ctx, rec)
	if err != nil && !errors.Is(err, index.ErrDuplicateName) {
		w.finishFailed(item, fmt.Sprintf("index insert: %v", err), false)
		return false
	}

	// Drop the stale negative cache entry so the next lookup for this
	// query reaches the index. Item ID doubles as the cache key.
	if w.caches != nil {
		invCtx, invCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := w.caches.Delete(invCtx, item.ID); err != nil {
			fmt.Printf("⚠️  Cache invalidation for %q failed: %v\n", item.NormalizedQuery, err)
		}
		invCancel()
	}

	if result.LowConfidence {
		fmt.Printf("✅ Discovered %q (grade %s, %d studies, low confidence)\n", item.NormalizedQuery, result.Grade, result.StudyCount)
	} else {
		fmt.Printf("✅ Discovered %q (grade %s, %d studies)\n", item.NormalizedQuery, result.Grade, result.StudyCount)
	}
	w.finishCompleted(item)
	return true
}

func (w *Worker) finishCompleted(item *Item) {
	if err := w.queue.Complete(w.ctx, item.ID); err != nil {
		fmt.Printf("⚠️  Failed to complete item %s: %v\n", item.ID, err)
		return
	}
	w.mu.Lock()
	w.stats.Completed++
	w.mu.Unlock()
}

func (w *Worker) finishFailed(item *Item, reason string, terminal bool) {
	if err := w.queue.Fail(w.ctx, item.ID, reason, terminal, w.config.MaxRetries); err != nil {
		fmt.Printf("⚠️  Failed to fail item %s: %v\n", item.ID, err)
		return
	}
	w.mu.Lock()
	if terminal {
		w.stats.Rejected++
	} else {
		w.stats.Retried++
	}
	w.mu.Unlock()
}
