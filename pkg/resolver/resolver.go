// Package resolver orchestrates the query resolution pipeline: validate
// the input, consult the tiered cache, fall through to embedding plus
// vector search, write results back through the cache, and hand
// unresolvable queries to the discovery queue.
//
// Resolution is read-mostly and latency-sensitive; everything that does
// not change the answer (access counters, cache promotion, discovery
// enqueue) happens detached from the caller's context so a cancelled
// request never loses bookkeeping that was already decided.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/latisnere77/SuplementIA-sub012/pkg/cache"
	"github.com/latisnere77/SuplementIA-sub012/pkg/discovery"
	"github.com/latisnere77/SuplementIA-sub012/pkg/embed"
	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// Defaults for resolution options.
const (
	DefaultMinSimilarity = 0.85
	DefaultLimit         = 5

	// DefaultStepTimeout bounds each upstream call (embed, search) so a
	// slow dependency degrades into ErrUpstreamUnavailable instead of a
	// hanging request.
	DefaultStepTimeout = 200 * time.Millisecond

	// detachedTimeout bounds fire-and-forget bookkeeping writes.
	detachedTimeout = 2 * time.Second
)

var (
	// ErrInvalidInput is returned for queries that fail validation
	// (empty, too short, or over the length limit). Invalid queries are
	// never cached and never enqueued for discovery.
	ErrInvalidInput = errors.New("resolver: invalid input")

	// ErrNotYetKnown is returned when no record matches and the query
	// has been handed to the discovery pipeline. Retrying later may
	// succeed.
	ErrNotYetKnown = errors.New("resolver: supplement not yet known")

	// ErrUpstreamUnavailable is returned when embedding or the vector
	// store failed or timed out.
	ErrUpstreamUnavailable = errors.New("resolver: upstream unavailable")

	// ErrValidationRejected is returned for queries whose discovery
	// item was terminally rejected for lack of evidence.
	ErrValidationRejected = errors.New("resolver: rejected by evidence validation")
)

// Options tune a single resolution.
type Options struct {
	// MinSimilarity is the acceptance threshold in [0, 1]. Zero uses
	// DefaultMinSimilarity.
	MinSimilarity float64

	// Limit caps the number of matches returned. Zero uses DefaultLimit.
	Limit int
}

func (o Options) withDefaults() Options {
	if o.MinSimilarity == 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	if o.Limit == 0 {
		o.Limit = DefaultLimit
	}
	return o
}

// Result is a successful resolution.
type Result struct {
	// Query and NormalizedQuery echo the input.
	Query           string `json:"query"`
	NormalizedQuery string `json:"normalized_query"`

	// Supplement is the best match; Score its similarity.
	Supplement *supplement.Supplement `json:"supplement"`
	Score      float64                `json:"score"`

	// Alternatives are further matches above the threshold, best first.
	Alternatives []index.Match `json:"alternatives,omitempty"`

	// Source names where the answer came from: "cache:memory",
	// "cache:badger", "name-index", or "vector-search".
	Source string `json:"source"`
}

// Waker nudges the discovery worker after an enqueue. *discovery.Worker
// satisfies it.
type Waker interface {
	Trigger()
}

// Resolver ties the cache, the vector store, the embedder, and the
// discovery queue into the resolution pipeline. Safe for concurrent use.
type Resolver struct {
	caches   *cache.TieredCache
	store    *index.Store
	embedder embed.Embedder
	queue    *discovery.Queue
	waker    Waker

	stepTimeout time.Duration
	group       singleflight.Group
}

// Config wires a Resolver.
type Config struct {
	Caches   *cache.TieredCache
	Store    *index.Store
	Embedder embed.Embedder

	// Queue receives unresolvable queries. Optional; without it misses
	// simply return ErrNotYetKnown.
	Queue *discovery.Queue

	// Waker is triggered after each enqueue. Optional.
	Waker Waker

	// StepTimeout bounds embed and search calls. Zero uses
	// DefaultStepTimeout.
	StepTimeout time.Duration
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Resolver{
		caches:      cfg.Caches,
		store:       cfg.Store,
		embedder:    cfg.Embedder,
		queue:       cfg.Queue,
		waker:       cfg.Waker,
		stepTimeout: cfg.StepTimeout,
	}
}

// Resolve answers a free-text supplement query.
//
// The pipeline: validate -> cache -> exact name match -> embed + vector
// search -> write-through -> return. Misses below the similarity
// threshold are enqueued for discovery and reported as ErrNotYetKnown;
// queries already terminally rejected by evidence validation report
// ErrValidationRejected.
func (r *Resolver) Resolve(ctx context.Context, query string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	norm, err := supplement.ValidateQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	key := supplement.QueryHash(norm)

	// Cache first. A hit is the common case and returns immediately.
	if r.caches != nil {
		if entry, tierName, err := r.caches.Get(ctx, key); err == nil {
			r.touchDetached(entry.RecordID())
			return &Result{
				Query:           query,
				NormalizedQuery: norm,
				Supplement:      entry.Record,
				Score:           entry.Score,
				Source:          "cache:" + tierName,
			}, nil
		}
	}

	// Collapse concurrent identical misses into one upstream pipeline.
	// Every attempt still enqueues below, so demand counting survives
	// the dedup: N concurrent misses mean occurrenceCount N, not 1.
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolveMiss(ctx, query, norm, key, opts)
	})
	if err != nil {
		if errors.Is(err, ErrNotYetKnown) || errors.Is(err, ErrUpstreamUnavailable) {
			r.enqueueDetached(query)
		}
		return nil, err
	}
	return v.(*Result), nil
}

// resolveMiss runs the full pipeline for a cache miss.
func (r *Resolver) resolveMiss(ctx context.Context, query, norm, key string, opts Options) (*Result, error) {
	// Exact normalized-name hit skips the embedding round trip.
	nameCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	rec, err := r.store.FindByName(nameCtx, norm)
	cancel()
	if err == nil {
		res := &Result{
			Query:           query,
			NormalizedQuery: norm,
			Supplement:      rec,
			Score:           1.0,
			Source:          "name-index",
		}
		r.writeThrough(ctx, key, norm, res)
		r.touchDetached(rec.ID)
		return res, nil
	}
	if !errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: name lookup: %v", ErrUpstreamUnavailable, err)
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	vec, err := r.embedder.Embed(embedCtx, norm)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %v", ErrUpstreamUnavailable, err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	matches, err := r.store.Search(searchCtx, vec, opts.Limit, opts.MinSimilarity)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrUpstreamUnavailable, err)
	}

	if len(matches) == 0 {
		return nil, r.classifyMiss(key)
	}

	best := matches[0]
	res := &Result{
		Query:           query,
		NormalizedQuery: norm,
		Supplement:      best.Supplement,
		Score:           best.Score,
		Alternatives:    matches[1:],
		Source:          "vector-search",
	}
	r.writeThrough(ctx, key, norm, res)
	r.touchDetached(best.Supplement.ID)
	return res, nil
}

// classifyMiss picks the error an unresolved query reports:
// ErrValidationRejected when discovery already terminally rejected it,
// ErrNotYetKnown otherwise. The enqueue itself happens per attempt in
// Resolve, outside the singleflight group.
func (r *Resolver) classifyMiss(key string) error {
	if r.queue == nil {
		return ErrNotYetKnown
	}

	if item, err := r.queue.Get(context.Background(), key); err == nil &&
		item.Status == discovery.StatusFailed && item.LastError == discovery.ReasonNoEvidence {
		return ErrValidationRejected
	}

	return ErrNotYetKnown
}

// writeThrough stores a resolved result in every cache tier before the
// caller gets its answer.
func (r *Resolver) writeThrough(ctx context.Context, key, norm string, res *Result) {
	if r.caches == nil {
		return
	}
	entry := &cache.Entry{
		Key:      key,
		Query:    norm,
		Record:   res.Supplement,
		Score:    res.Score,
		StoredAt: time.Now().UTC(),
	}
	if err := r.caches.Put(ctx, key, entry); err != nil {
		log.Printf("resolver: write-through for %q failed: %v", norm, err)
	}
}

// touchDetached bumps a record's access counter without holding up the
// caller and without inheriting its cancellation.
func (r *Resolver) touchDetached(recordID string) {
	if recordID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
		defer cancel()
		if err := r.store.TouchAccess(ctx, recordID); err != nil && !errors.Is(err, index.ErrNotFound) {
			log.Printf("resolver: access touch for %s failed: %v", recordID, err)
		}
	}()
}

// enqueueDetached records an unresolved query for discovery, detached
// from the caller's context, and wakes the worker.
func (r *Resolver) enqueueDetached(query string) {
	if r.queue == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
		defer cancel()
		if _, err := r.queue.Enqueue(ctx, query); err != nil {
			log.Printf("resolver: discovery enqueue for %q failed: %v", query, err)
			return
		}
		if r.waker != nil {
			r.waker.Trigger()
		}
	}()
}
