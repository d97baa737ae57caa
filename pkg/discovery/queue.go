// Package discovery grows the supplement index from live traffic.
// Queries that resolve to nothing are recorded as discovery items in a
// durable queue; a background worker validates the most-demanded items
// against the research record, embeds them, and inserts them into the
// index so the next identical query hits.
//
// Items are keyed by the hash of the normalized query, so every user
// asking for the same unknown supplement lands on one item whose
// occurrence count measures demand.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// Item status machine: pending -> processing -> completed | failed.
// Failed processing returns to pending until retries are exhausted.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Default priority weights: demand dominates, age slowly drains items
// nobody asks for anymore.
const (
	DefaultOccurrenceWeight = 10.0
	DefaultAgeWeight        = 0.5
)

// ReasonNoEvidence is the terminal failure reason recorded when
// evidence validation finds zero supporting studies. Callers match on
// it to distinguish rejected queries from ones not yet processed.
const ReasonNoEvidence = "no supporting evidence"

// Key prefix for queue items.
const prefixItem = byte(0x01)

// enqueueRetries bounds the transaction retry loop that closes the race
// between concurrent first-time enqueues of the same query.
const enqueueRetries = 10

var (
	// ErrEmptyQueue is returned by ClaimNext when no pending item exists.
	ErrEmptyQueue = errors.New("discovery: no pending items")

	// ErrItemNotFound is returned for status updates on unknown items.
	ErrItemNotFound = errors.New("discovery: item not found")

	// ErrNotProcessing is returned when completing or failing an item
	// that is not in the processing state.
	ErrNotProcessing = errors.New("discovery: item not in processing state")
)

// Item is one queued discovery candidate.
type Item struct {
	// ID is the hash of the normalized query; deterministic, so
	// re-enqueues address the same item.
	ID string `json:"id"`

	// Query is the raw query as first seen.
	Query string `json:"query"`

	// NormalizedQuery is the canonical form all occurrences share.
	NormalizedQuery string `json:"normalized_query"`

	// OccurrenceCount is how many times the query has been enqueued.
	OccurrenceCount int64 `json:"occurrence_count"`

	// PriorityScore is the score at the last enqueue. The live score
	// used for claim ordering is recomputed from OccurrenceCount and
	// age at claim time.
	PriorityScore float64 `json:"priority_score"`

	Status    string    `json:"status"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// Options configures the queue.
type Options struct {
	// DataDir is the directory for the queue database. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs the queue without persistence. Useful for testing.
	InMemory bool

	// OccurrenceWeight (W1) and AgeWeight (W2) tune claim ordering:
	// priority = occurrences*W1 - ageDays*W2. Zero values use defaults.
	OccurrenceWeight float64
	AgeWeight        float64
}

// Queue is the durable discovery queue. Safe for concurrent use; the
// enqueue path in particular tolerates many goroutines racing on the
// same query.
type Queue struct {
	db *badger.DB

	// writeMu serializes write transactions so no occurrence is ever
	// lost to a badger conflict abort.
	writeMu sync.Mutex

	occurrenceWeight float64
	ageWeight        float64
}

// NewQueue opens or creates the queue at opts.DataDir.
func NewQueue(opts Options) (*Queue, error) {
	if opts.OccurrenceWeight == 0 {
		opts.OccurrenceWeight = DefaultOccurrenceWeight
	}
	if opts.AgeWeight == 0 {
		opts.AgeWeight = DefaultAgeWeight
	}

	// Badger rejects a directory in disk-less mode.
	if opts.InMemory {
		opts.DataDir = ""
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery queue: %w", err)
	}

	return &Queue{
		db:               db,
		occurrenceWeight: opts.OccurrenceWeight,
		ageWeight:        opts.AgeWeight,
	}, nil
}

// Close closes the queue's database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func itemKey(id string) []byte {
	return append([]byte{prefixItem}, []byte(id)...)
}

// priority computes an item's live claim priority.
func (q *Queue) priority(item *Item, now time.Time) float64 {
	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	return float64(item.OccurrenceCount)*q.occurrenceWeight - ageDays*q.ageWeight
}

// Enqueue records one occurrence of an unresolved query. First sight
// creates a pending item; subsequent sights increment the occurrence
// count of the live item. Terminal items (completed or failed) are left
// untouched so a rejected candidate is not resurrected by more traffic.
//
// Concurrent enqueues of the same query are safe: write transactions
// are serialized under writeMu, and the conflict retry loop remains as
// a backstop.
func (q *Queue) Enqueue(ctx context.Context, rawQuery string) (*Item, error) {
	norm := supplement.NormalizeQuery(rawQuery)
	if norm == "" {
		return nil, supplement.ErrEmptyQuery
	}
	id := supplement.QueryHash(norm)

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	var result *Item
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := q.db.Update(func(txn *badger.Txn) error {
			now := time.Now().UTC()
			item, err := readItem(txn, id)
			if errors.Is(err, ErrItemNotFound) {
				item = &Item{
					ID:              id,
					Query:           rawQuery,
					NormalizedQuery: norm,
					OccurrenceCount: 1,
					Status:          StatusPending,
					CreatedAt:       now,
				}
				item.PriorityScore = q.priority(item, now)
				result = item
				return writeItem(txn, item)
			}
			if err != nil {
				return err
			}

			if item.Status == StatusCompleted || item.Status == StatusFailed {
				result = item
				return nil
			}

			item.OccurrenceCount++
			item.PriorityScore = q.priority(item, now)
			result = item
			return writeItem(txn, item)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("discovery: enqueue of %q kept conflicting", norm)
}

// ClaimNext atomically moves the highest-priority pending item to
// processing and returns it. Ties break toward the earliest CreatedAt.
// Returns ErrEmptyQueue when nothing is pending.
func (q *Queue) ClaimNext(ctx context.Context) (*Item, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	for attempt := 0; attempt < enqueueRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var claimed *Item
		err := q.db.Update(func(txn *badger.Txn) error {
			now := time.Now().UTC()

			var best *Item
			var bestScore float64
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			prefix := []byte{prefixItem}
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var item Item
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &item)
				})
				if err != nil {
					return fmt.Errorf("corrupt queue item: %w", err)
				}
				if item.Status != StatusPending {
					continue
				}
				score := q.priority(&item, now)
				if best == nil || score > bestScore ||
					(score == bestScore && item.CreatedAt.Before(best.CreatedAt)) {
					cp := item
					best = &cp
					bestScore = score
				}
			}

			if best == nil {
				return ErrEmptyQueue
			}

			best.Status = StatusProcessing
			claimed = best
			return writeItem(txn, best)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
	return nil, fmt.Errorf("discovery: claim kept conflicting")
}

// Complete marks a processing item as successfully handled.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, func(item *Item) {
		item.Status = StatusCompleted
		item.LastError = ""
		item.ProcessedAt = time.Now().UTC()
	})
}

// Fail records a processing failure. Non-terminal failures below the
// retry budget return the item to pending; terminal failures (or
// exhausted retries) park it as failed with the reason attached.
func (q *Queue) Fail(ctx context.Context, id string, reason string, terminal bool, maxRetries int) error {
	return q.finish(ctx, id, func(item *Item) {
		item.Retries++
		item.LastError = reason
		if terminal || item.Retries >= maxRetries {
			item.Status = StatusFailed
			item.ProcessedAt = time.Now().UTC()
		} else {
			item.Status = StatusPending
		}
	})
}

func (q *Queue) finish(ctx context.Context, id string, mutate func(*Item)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return q.db.Update(func(txn *badger.Txn) error {
		item, err := readItem(txn, id)
		if err != nil {
			return err
		}
		if item.Status != StatusProcessing {
			return ErrNotProcessing
		}
		mutate(item)
		return writeItem(txn, item)
	})
}

// Get returns the item for a normalized-query hash.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *Item
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = readItem(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GC deletes completed items whose processing finished more than
// retention ago. Failed items are kept for inspection. Returns the
// number of items removed.
func (q *Queue) GC(ctx context.Context, retention time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-retention)
	var doomed []string

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixItem}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				continue
			}
			if item.Status == StatusCompleted && item.ProcessedAt.Before(cutoff) {
				doomed = append(doomed, item.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	q.writeMu.Lock()
	err = q.db.Update(func(txn *badger.Txn) error {
		for _, id := range doomed {
			if err := txn.Delete(itemKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	q.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}

// QueueStats counts items by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Stats scans the queue and counts items per status.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixItem}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				continue
			}
			switch item.Status {
			case StatusPending:
				stats.Pending++
			case StatusProcessing:
				stats.Processing++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			}
		}
		return nil
	})
	return stats, err
}

func readItem(txn *badger.Txn, id string) (*Item, error) {
	badgerItem, err := txn.Get(itemKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	var item Item
	if err := badgerItem.Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	}); err != nil {
		return nil, fmt.Errorf("corrupt queue item %s: %w", id, err)
	}
	return &item, nil
}

func writeItem(txn *badger.Txn, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}
	return txn.Set(itemKey(item.ID), data)
}
