// Package pool provides object pooling for the vector search hot path.
//
// Every similarity search allocates a visited-set map and a normalized
// copy of the query vector. Under sustained query load those short-lived
// allocations dominate GC pressure, so the graph traversal borrows them
// from pools here instead.
//
// Pooled objects:
// - Visited sets (map[string]bool) for graph traversal
// - Float32 scratch vectors for normalized queries
//
// Usage:
//
//	visited := pool.GetVisitedSet()
//	defer pool.PutVisitedSet(visited)
package pool

import (
	"sync"
)

// Config configures global pooling behavior.
type Config struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxVisitedSize limits the size of visited sets returned to the
	// pool. Oversized sets from unusually deep traversals are dropped
	// so the pool never pins a large map.
	MaxVisitedSize int

	// MaxVectorCap limits the capacity of vectors returned to the pool.
	MaxVectorCap int
}

var globalConfig = Config{
	Enabled:        true,
	MaxVisitedSize: 16384,
	MaxVectorCap:   4096,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config Config) {
	globalConfig = config
	initPools()
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	visitedPool = sync.Pool{
		New: func() any {
			return make(map[string]bool, 256)
		},
	}
	vectorPool = sync.Pool{
		New: func() any {
			v := make([]float32, 0, 512)
			return &v
		},
	}
}

var (
	visitedPool sync.Pool
	vectorPool  sync.Pool
)

func init() {
	initPools()
}

// =============================================================================
// Visited Set Pool (for graph traversal)
// =============================================================================

// GetVisitedSet returns an empty visited set from the pool.
// Call PutVisitedSet when done.
func GetVisitedSet() map[string]bool {
	if !globalConfig.Enabled {
		return make(map[string]bool, 256)
	}
	return visitedPool.Get().(map[string]bool)
}

// PutVisitedSet clears the set and returns it to the pool.
func PutVisitedSet(visited map[string]bool) {
	if !globalConfig.Enabled || visited == nil {
		return
	}
	// Don't pool very large sets (memory leak prevention)
	if len(visited) > globalConfig.MaxVisitedSize {
		return
	}
	clear(visited)
	visitedPool.Put(visited)
}

// =============================================================================
// Vector Scratch Pool
// =============================================================================

// GetVector returns a zero-length float32 slice with capacity for at
// least n elements. Call PutVector when done.
func GetVector(n int) []float32 {
	if !globalConfig.Enabled {
		return make([]float32, 0, n)
	}
	vp := vectorPool.Get().(*[]float32)
	v := *vp
	if cap(v) < n {
		return make([]float32, 0, n)
	}
	return v[:0]
}

// PutVector returns a vector's backing array to the pool.
// The caller must not use the slice afterwards.
func PutVector(v []float32) {
	if !globalConfig.Enabled || v == nil {
		return
	}
	if cap(v) > globalConfig.MaxVectorCap {
		return
	}
	v = v[:0]
	vectorPool.Put(&v)
}
