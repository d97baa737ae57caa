package resolver

import (
	"context"
	"fmt"

	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// Admin operations: direct record management bypassing the resolution
// pipeline. Used by the import CLI and the HTTP write endpoints.

// Insert adds a supplement record. When the input carries no vector one
// is computed from the normalized name, so operators can import plain
// JSON lists.
func (r *Resolver) Insert(ctx context.Context, in *supplement.Input) (*supplement.Supplement, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if len(in.Vector) == 0 {
		vec, err := r.embedder.Embed(ctx, supplement.NormalizeQuery(in.Name))
		if err != nil {
			return nil, fmt.Errorf("%w: embedding: %v", ErrUpstreamUnavailable, err)
		}
		in.Vector = vec
	}

	rec, err := supplement.NewSupplement(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	// A query for this exact name may be cached as a miss elsewhere in
	// the pipeline's cache keys; drop the entry for the name itself.
	if r.caches != nil {
		key := supplement.QueryHash(rec.NormalizedName())
		if err := r.caches.Delete(ctx, key); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Update applies a partial update to a record and invalidates every
// cache entry that could serve the stale version: entries caching the
// record itself plus the query keys for the old and new names.
func (r *Resolver) Update(ctx context.Context, id string, in *supplement.Input) (*supplement.Supplement, error) {
	before, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Recompute the vector when the name changes and no explicit
	// vector was supplied, keeping the embedding aligned with the name
	// it represents.
	if in.Name != "" && len(in.Vector) == 0 &&
		supplement.NormalizeQuery(in.Name) != before.NormalizedName() {
		vec, err := r.embedder.Embed(ctx, supplement.NormalizeQuery(in.Name))
		if err != nil {
			return nil, fmt.Errorf("%w: embedding: %v", ErrUpstreamUnavailable, err)
		}
		in.Vector = vec
	}

	updated, err := r.store.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}

	if r.caches != nil {
		if err := r.caches.DeleteByRecord(ctx, id); err != nil {
			return updated, err
		}
		for _, name := range []string{before.NormalizedName(), updated.NormalizedName()} {
			if err := r.caches.Delete(ctx, supplement.QueryHash(name)); err != nil {
				return updated, err
			}
		}
	}
	return updated, nil
}

// InvalidateQuery drops the cached entry for one query across all tiers.
func (r *Resolver) InvalidateQuery(ctx context.Context, query string) error {
	norm, err := supplement.ValidateQuery(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if r.caches == nil {
		return nil
	}
	return r.caches.Delete(ctx, supplement.QueryHash(norm))
}

// InvalidateRecord drops every cached entry serving the given record
// across all tiers.
func (r *Resolver) InvalidateRecord(ctx context.Context, id string) error {
	if r.caches == nil {
		return nil
	}
	return r.caches.DeleteByRecord(ctx, id)
}
