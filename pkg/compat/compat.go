// Package compat keeps the front door stable while the resolution
// pipeline evolves behind it. The Shim wraps the Resolver and, when the
// pipeline cannot answer because something upstream is down, retries
// through a legacy lookup path. Callers get the same response shape
// either way.
package compat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/resolver"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// LegacyLookup is the pre-pipeline lookup path. It is consulted only
// when the primary pipeline fails, never on a plain miss.
type LegacyLookup interface {
	// Search returns the record for a query, or (nil, nil) when the
	// legacy system has no answer.
	Search(ctx context.Context, query string) (*supplement.Supplement, error)
}

// Response is the stable shape handed to the front door. Its fields
// mirror resolver.Result so callers cannot tell which path answered.
type Response struct {
	Query           string                 `json:"query"`
	NormalizedQuery string                 `json:"normalized_query"`
	Supplement      *supplement.Supplement `json:"supplement"`
	Score           float64                `json:"score"`
	Alternatives    []index.Match          `json:"alternatives,omitempty"`
	Source          string                 `json:"source"`

	// UsedFallback reports that the legacy path served this response.
	// Observability only; the shape above is unchanged.
	UsedFallback bool `json:"used_fallback"`
}

// Shim fronts a Resolver with legacy fallback. Safe for concurrent use.
type Shim struct {
	resolver *resolver.Resolver
	legacy   LegacyLookup
}

// NewShim wraps a resolver. legacy may be nil; failures then surface as
// resolver.ErrUpstreamUnavailable with no fallback attempt.
func NewShim(r *resolver.Resolver, legacy LegacyLookup) *Shim {
	return &Shim{resolver: r, legacy: legacy}
}

// Search resolves a query through the pipeline, falling back to the
// legacy path when the pipeline fails.
//
// Sentinel outcomes pass through untouched: an invalid query, a valid
// miss that was enqueued for discovery, and an evidence-rejected query
// are answers, not failures, and the legacy path is not consulted for
// them. Everything else triggers the fallback; if that also fails the
// caller sees resolver.ErrUpstreamUnavailable, never a raw internal
// error.
func (s *Shim) Search(ctx context.Context, query string, opts resolver.Options) (*Response, error) {
	res, err := s.resolver.Resolve(ctx, query, opts)
	if err == nil {
		return &Response{
			Query:           res.Query,
			NormalizedQuery: res.NormalizedQuery,
			Supplement:      res.Supplement,
			Score:           res.Score,
			Alternatives:    res.Alternatives,
			Source:          res.Source,
		}, nil
	}

	switch {
	case errors.Is(err, resolver.ErrInvalidInput),
		errors.Is(err, resolver.ErrNotYetKnown),
		errors.Is(err, resolver.ErrValidationRejected):
		return nil, err
	}

	return s.fallback(ctx, query, err)
}

// fallback re-attempts the query through the legacy path after a
// pipeline failure.
func (s *Shim) fallback(ctx context.Context, query string, cause error) (*Response, error) {
	log.Printf("compat: pipeline failed for %q, trying legacy path: %v", query, cause)

	if s.legacy == nil {
		return nil, pipelineErr(cause)
	}

	rec, err := s.legacy.Search(ctx, query)
	if err != nil {
		log.Printf("compat: legacy path failed for %q: %v", query, err)
		return nil, pipelineErr(cause)
	}
	if rec == nil {
		return nil, pipelineErr(cause)
	}

	return &Response{
		Query:           query,
		NormalizedQuery: supplement.NormalizeQuery(query),
		Supplement:      rec,
		Score:           1.0,
		Source:          "legacy",
		UsedFallback:    true,
	}, nil
}

// pipelineErr normalizes a pipeline failure for the caller. Failures
// that are already classified keep their sentinel; anything else is
// reported as upstream unavailability.
func pipelineErr(cause error) error {
	if errors.Is(cause, resolver.ErrUpstreamUnavailable) {
		return cause
	}
	return fmt.Errorf("%w: %v", resolver.ErrUpstreamUnavailable, cause)
}
