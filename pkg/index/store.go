// Package index provides the persistent vector store for supplement
// records: BadgerDB for durability, an in-memory HNSW graph for
// approximate nearest neighbor search, and a normalized-name index for
// exact lookups.
//
// The store is the source of truth in the lookup path. Cache tiers in
// front of it may expire or evict; records here do not.
//
// Example:
//
//	store, err := index.Open(index.Options{DataDir: "./data/supplements", Dimensions: 384})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	matches, err := store.Search(ctx, queryVec, 5, 0.85)
package index

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

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixRecord = byte(0x01) // record:id -> Supplement JSON
	prefixName   = byte(0x02) // name:normalizedName -> record ID
	prefixMeta   = byte(0x03) // meta:key -> store metadata
)

var (
	// ErrNotFound is returned when no record exists for an ID or name.
	ErrNotFound = errors.New("index: record not found")

	// ErrDimensionMismatch is returned when a vector's length differs
	// from the store's configured dimensionality.
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")

	// ErrDuplicateName is returned on insert when another record already
	// owns the same normalized name.
	ErrDuplicateName = errors.New("index: duplicate normalized name")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("index: store is closed")
)

// Options configures the vector store.
type Options struct {
	// DataDir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	// Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but survives
	// power loss.
	SyncWrites bool

	// Dimensions is the embedding vector length. All vectors inserted
	// into the store must have exactly this length. Defaults to 384.
	Dimensions int

	// HNSW overrides the graph tuning parameters. Zero value uses
	// DefaultHNSWConfig.
	HNSW HNSWConfig
}

// Match is a search hit: the record plus its similarity score in [0, 1].
type Match struct {
	Supplement *supplement.Supplement `json:"supplement"`
	Score      float64                `json:"score"`
}

// Store is the persistent supplement vector store.
//
// All methods are safe for concurrent use. The HNSW graph is kept in
// memory and rebuilt from BadgerDB on Open, so a freshly opened store
// can serve searches immediately.
type Store struct {
	db         *badger.DB
	graph      *hnswGraph
	dimensions int

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a store at opts.DataDir and rebuilds the
// in-memory search graph from the persisted records.
func Open(opts Options) (*Store, error) {
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}

	// Badger rejects a directory in disk-less mode.
	if opts.InMemory {
		opts.DataDir = ""
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Quiet by default; badger's own logger is noisy at INFO.
	badgerOpts = badgerOpts.WithLogger(nil)

	// Reduce RAM usage for containerized deployments. Supplement
	// records are small, the defaults are sized for much larger values.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		db:         db,
		graph:      newHNSWGraph(opts.Dimensions, opts.HNSW),
		dimensions: opts.Dimensions,
	}

	if err := s.rebuildGraph(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to rebuild search graph: %w", err)
	}

	return s, nil
}

// OpenInMemory creates an ephemeral store for tests.
func OpenInMemory(dimensions int) (*Store, error) {
	return Open(Options{InMemory: true, Dimensions: dimensions})
}

// rebuildGraph loads every persisted record's vector into the HNSW graph.
func (s *Store) rebuildGraph() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixRecord}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec supplement.Supplement
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("corrupt record at key %x: %w", it.Item().Key(), err)
			}
			if len(rec.Vector) == 0 {
				continue
			}
			if err := s.graph.add(rec.ID, rec.Vector); err != nil {
				return fmt.Errorf("failed to index record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func recordKey(id string) []byte {
	return append([]byte{prefixRecord}, []byte(id)...)
}

func nameKey(normalized string) []byte {
	return append([]byte{prefixName}, []byte(normalized)...)
}

// ============================================================================
// Write path
// ============================================================================

// Insert persists a new record and makes it immediately searchable.
// The record must carry a vector of the store's dimensionality and a
// normalized name not already owned by another record.
func (s *Store) Insert(ctx context.Context, rec *supplement.Supplement) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Name == "" {
		return supplement.ErrMissingName
	}
	if len(rec.Vector) == 0 {
		return supplement.ErrMissingVector
	}
	if len(rec.Vector) != s.dimensions {
		return ErrDimensionMismatch
	}

	norm := rec.NormalizedName()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// Reject a second record with the same normalized name. The
		// name index is how exact lookups and the discovery worker
		// detect already-known supplements.
		_, err := txn.Get(nameKey(norm))
		if err == nil {
			return ErrDuplicateName
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		if err := txn.Set(nameKey(norm), []byte(rec.ID)); err != nil {
			return err
		}
		for _, alias := range rec.CommonNames {
			aliasNorm := supplement.NormalizeQuery(alias)
			if aliasNorm == "" || aliasNorm == norm {
				continue
			}
			// Aliases never overwrite a canonical name owned by
			// another record.
			if _, err := txn.Get(nameKey(aliasNorm)); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(nameKey(aliasNorm), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.graph.add(rec.ID, rec.Vector); err != nil {
		return err
	}
	return nil
}

// Update applies non-zero fields of in to an existing record. If the
// vector changes, the search graph entry is replaced. Returns the
// updated record.
func (s *Store) Update(ctx context.Context, id string, in *supplement.Input) (*supplement.Supplement, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Vector) > 0 && len(in.Vector) != s.dimensions {
		return nil, ErrDimensionMismatch
	}

	var updated *supplement.Supplement
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec supplement.Supplement
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("corrupt record %s: %w", id, err)
		}

		oldNorm := rec.NormalizedName()

		if in.Name != "" {
			rec.Name = in.Name
		}
		if in.ScientificName != "" {
			rec.ScientificName = in.ScientificName
		}
		if in.CommonNames != nil {
			rec.CommonNames = append([]string(nil), in.CommonNames...)
		}
		if in.Metadata != nil {
			rec.Metadata = in.Metadata
		}
		if len(in.Vector) > 0 {
			rec.Vector = append([]float32(nil), in.Vector...)
		}
		rec.UpdatedAt = time.Now().UTC()

		newNorm := rec.NormalizedName()
		if newNorm != oldNorm {
			if _, err := txn.Get(nameKey(newNorm)); err == nil {
				return ErrDuplicateName
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(nameKey(oldNorm)); err != nil {
				return err
			}
			if err := txn.Set(nameKey(newNorm), []byte(rec.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		if err := txn.Set(recordKey(id), data); err != nil {
			return err
		}

		updated = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(in.Vector) > 0 {
		s.graph.remove(id)
		if err := s.graph.add(id, updated.Vector); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Delete removes a record, its name index entries, and its graph entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec supplement.Supplement
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("corrupt record %s: %w", id, err)
		}

		if err := txn.Delete(recordKey(id)); err != nil {
			return err
		}
		names := append([]string{rec.Name}, rec.CommonNames...)
		for _, name := range names {
			norm := supplement.NormalizeQuery(name)
			if norm == "" {
				continue
			}
			// Only drop name entries this record owns. An alias may
			// have been skipped at insert time because another record
			// owned it.
			item, err := txn.Get(nameKey(norm))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(owner) == id {
				if err := txn.Delete(nameKey(norm)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.graph.remove(id)
	return nil
}

// TouchAccess increments a record's search counter and stamps the
// access time. Best effort: callers fire this asynchronously and
// ignore the error on the hot path.
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec supplement.Supplement
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("corrupt record %s: %w", id, err)
		}

		rec.SearchCount++
		rec.LastSearchedAt = time.Now().UTC()

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(id), data)
	})
}

// ============================================================================
// Read path
// ============================================================================

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*supplement.Supplement, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec supplement.Supplement
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByName returns the record owning the given normalized name, via
// canonical name or alias. Callers must normalize with
// supplement.NormalizeQuery first.
func (s *Store) FindByName(ctx context.Context, normalized string) (*supplement.Supplement, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(normalized))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = string(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Search returns up to limit records whose vectors score at or above
// threshold against the query vector, best first.
func (s *Store) Search(ctx context.Context, query []float32, limit int, threshold float64) ([]Match, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	hits, err := s.graph.search(ctx, query, limit, threshold)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		rec, err := s.Get(ctx, hit.id)
		if errors.Is(err, ErrNotFound) {
			// Graph entry for a record deleted mid-search. Skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Supplement: rec, Score: hit.score})
	}
	return matches, nil
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	return s.graph.size()
}

// Dimensions returns the store's configured vector length.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
