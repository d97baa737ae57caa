package cache

import (
	"context"
	"log"
	"time"
)

// promotionTimeout bounds the detached writes that copy a slow-tier hit
// into faster tiers. Promotion is best effort; the caller has already
// received its answer.
const promotionTimeout = 2 * time.Second

// TieredCache coordinates an ordered list of tiers, fastest first.
// Lookups stop at the first hit; a hit at tier k is promoted to tiers
// 0..k-1 in the background. Writes and invalidations go to all tiers.
type TieredCache struct {
	tiers []Tier
}

// NewTiered builds a coordinator over tiers in lookup order (fastest
// first). At least one tier is required; callers typically pass a
// MemoryTier and optionally a BadgerTier behind it.
func NewTiered(tiers ...Tier) *TieredCache {
	return &TieredCache{tiers: tiers}
}

// Get returns the first hit across tiers along with the name of the
// tier that served it. Slower tiers are only consulted after every
// faster tier missed. Returns ErrMiss when all tiers miss.
func (t *TieredCache) Get(ctx context.Context, key string) (*Entry, string, error) {
	for i, tier := range t.tiers {
		entry, err := tier.Get(ctx, key)
		if err == nil {
			if i > 0 {
				t.promote(key, entry, i)
			}
			return entry, tier.Name(), nil
		}
		if err != ErrMiss {
			// A failing tier must not mask a hit further down.
			log.Printf("cache: tier %s get failed: %v", tier.Name(), err)
		}
	}
	return nil, "", ErrMiss
}

// promote copies a hit into every tier faster than the one that served
// it. Fire-and-forget: detached from the caller's context so caller
// cancellation never loses a promotion already decided.
func (t *TieredCache) promote(key string, entry *Entry, hitTier int) {
	faster := t.tiers[:hitTier]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), promotionTimeout)
		defer cancel()
		for _, tier := range faster {
			if err := tier.Put(ctx, key, entry); err != nil {
				log.Printf("cache: promote to %s failed: %v", tier.Name(), err)
			}
		}
	}()
}

// Put writes an entry to every tier.
func (t *TieredCache) Put(ctx context.Context, key string, entry *Entry) error {
	var firstErr error
	for _, tier := range t.tiers {
		if err := tier.Put(ctx, key, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete removes the key from every tier.
func (t *TieredCache) Delete(ctx context.Context, key string) error {
	var firstErr error
	for _, tier := range t.tiers {
		if err := tier.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteByRecord removes every entry caching the given record ID from
// every tier. Used when a record is updated or deleted so stale
// projections cannot be served.
func (t *TieredCache) DeleteByRecord(ctx context.Context, recordID string) error {
	var firstErr error
	for _, tier := range t.tiers {
		if err := tier.DeleteByRecord(ctx, recordID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Tiers returns the configured tiers in lookup order.
func (t *TieredCache) Tiers() []Tier {
	return t.tiers
}
