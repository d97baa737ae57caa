package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefix for cache entries. The badger tier owns its database, the
// prefix leaves room for future housekeeping keys.
const prefixCacheEntry = byte(0x01)

// BadgerTier is the persistent cache level. Entries survive restarts
// but the tier is still disposable: losing the database only costs
// latency until the cache refills. Expiry uses badger's native TTL, so
// expired entries vanish without a sweeper.
type BadgerTier struct {
	db  *badger.DB
	ttl time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// BadgerTierOptions configures the persistent tier.
type BadgerTierOptions struct {
	// DataDir is the directory for the tier's database. Required
	// unless InMemory is set.
	DataDir string

	// InMemory runs the tier without persistence. Useful for testing.
	InMemory bool

	// TTL is the entry lifetime. Zero defaults to DefaultTTL.
	TTL time.Duration
}

// NewBadgerTier opens the persistent tier at opts.DataDir.
func NewBadgerTier(opts BadgerTierOptions) (*BadgerTier, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
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
		return nil, fmt.Errorf("failed to open cache tier: %w", err)
	}

	return &BadgerTier{db: db, ttl: opts.TTL}, nil
}

// Name returns "badger".
func (b *BadgerTier) Name() string { return "badger" }

func cacheKey(key string) []byte {
	return append([]byte{prefixCacheEntry}, []byte(key)...)
}

// Get returns the entry for key. Badger drops expired entries itself,
// so a TTL-expired key reads as absent.
func (b *BadgerTier) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		b.misses.Add(1)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache tier read: %w", err)
	}

	b.hits.Add(1)
	return &entry, nil
}

// Put stores entry under key with the tier's TTL.
func (b *BadgerTier) Put(ctx context.Context, key string, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache tier encode: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(cacheKey(key), data).WithTTL(b.ttl)
		return txn.SetEntry(e)
	})
}

// Delete removes the entry for key.
func (b *BadgerTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(key))
	})
}

// DeleteByRecord scans the tier and removes every entry caching the
// given record ID.
func (b *BadgerTier) DeleteByRecord(ctx context.Context, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var doomed [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixCacheEntry}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				continue // skip undecodable entries, they expire anyway
			}
			if entry.RecordID() == recordID {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache tier scan: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len counts live entries with a full scan. Intended for tests and
// stats endpoints, not hot paths.
func (b *BadgerTier) Len() int {
	count := 0
	_ = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixCacheEntry}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count
}

// Stats returns a snapshot of the tier's counters.
func (b *BadgerTier) Stats() Stats {
	return Stats{
		Hits:   b.hits.Load(),
		Misses: b.misses.Load(),
		Size:   b.Len(),
	}
}

// Close closes the tier's database.
func (b *BadgerTier) Close() error {
	return b.db.Close()
}
