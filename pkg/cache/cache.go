// Package cache provides the tiered result cache that fronts the vector
// store. A TieredCache consults an ordered list of tiers fast to slow:
// an in-memory LRU tier, then an optional persistent BadgerDB tier. A
// hit at a slower tier is promoted asynchronously to every faster tier.
//
// Cached entries are disposable. Every entry carries a fixed TTL from
// write time and expiry is lazy: an expired entry is dropped when a
// lookup touches it, and expired entries are always evicted before any
// live entry when a tier is full.
//
// Example:
//
//	mem := cache.NewMemoryTier(10000, 7*24*time.Hour)
//	disk, _ := cache.NewBadgerTier(cache.BadgerTierOptions{DataDir: "./data/cache", TTL: 7 * 24 * time.Hour})
//	tiered := cache.NewTiered(mem, disk)
//
//	hit, tier, _ := tiered.Get(ctx, key)
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// ErrMiss is returned by Get when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// DefaultTTL is the entry lifetime used when a tier is configured with
// a zero TTL. Supplement facts change on the scale of studies being
// published, so days is the right scale.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is one cached resolution result.
type Entry struct {
	// Key is the query hash the entry is stored under.
	Key string `json:"key"`

	// Query is the normalized query that produced the entry.
	Query string `json:"query"`

	// Record is the matched supplement.
	Record *supplement.Supplement `json:"record"`

	// Score is the similarity score at resolution time.
	Score float64 `json:"score"`

	// StoredAt is the write time; expiry is StoredAt plus tier TTL.
	StoredAt time.Time `json:"stored_at"`
}

// RecordID returns the ID of the cached record, empty if none.
func (e *Entry) RecordID() string {
	if e == nil || e.Record == nil {
		return ""
	}
	return e.Record.ID
}

// Tier is a single cache level. Implementations must be safe for
// concurrent use.
type Tier interface {
	// Name identifies the tier in results and logs ("memory", "badger").
	Name() string

	// Get returns the live entry for key, or ErrMiss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores an entry under key, evicting as needed.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry for key. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByRecord removes every entry caching the given record ID.
	DeleteByRecord(ctx context.Context, recordID string) error

	// Len returns the number of stored entries, counting entries that
	// have expired but not yet been dropped.
	Len() int
}

// Stats reports hit counters for a tier.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// HitRate returns hits over total lookups, 0 when no lookups occurred.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
