package embed

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
)

// CachedEmbedder wraps an Embedder with an in-memory LRU cache keyed by
// text. Queries repeat heavily in this workload (the same supplement
// names arrive over and over), so caching embeddings avoids most calls
// to the backing provider.
//
// Thread-safe: can be used concurrently from multiple goroutines.
//
// Example:
//
//	base := embed.NewOllama(nil)
//	embedder := embed.NewCached(base, 10000)
//
//	// First call hits Ollama, second call is served from memory.
//	v1, _ := embedder.Embed(ctx, "vitamin d3")
//	v2, _ := embedder.Embed(ctx, "vitamin d3")
type CachedEmbedder struct {
	backend  Embedder
	capacity int

	mu      sync.Mutex
	entries map[uint64]*list.Element
	lru     *list.List

	hits   uint64
	misses uint64
}

type cachedVec struct {
	key uint64
	vec []float32
}

// CacheStats reports cached embedder effectiveness.
type CacheStats struct {
	Hits     uint64
	Misses   uint64
	Size     int
	Capacity int
}

// HitRate returns the fraction of lookups served from cache, 0 if none.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewCached wraps backend with an LRU cache holding up to capacity
// embeddings. A capacity of 0 or less defaults to 1000.
func NewCached(backend Embedder, capacity int) *CachedEmbedder {
	if capacity <= 0 {
		capacity = 1000
	}
	return &CachedEmbedder{
		backend:  backend,
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// hashText produces the cache key for a text. FNV-1a is fast and
// collisions at cache scale are acceptable: a collision only returns a
// wrong cached vector for one of two colliding texts, and the cache is
// advisory.
func hashText(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

// Embed returns the cached embedding for text, calling the backend on a
// miss. The backend is invoked outside the lock so slow providers do
// not block concurrent cache hits.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		vec := elem.Value.(*cachedVec).vec
		c.mu.Unlock()
		return vec, nil
	}
	c.misses++
	c.mu.Unlock()

	vec, err := c.backend.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have filled the entry while the backend
	// call was in flight.
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cachedVec).vec, nil
	}

	c.entries[key] = c.lru.PushFront(&cachedVec{key: key, vec: vec})
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cachedVec).key)
	}
	return vec, nil
}

// EmbedBatch embeds each text, serving cached entries and batching the
// misses into a single backend call.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	c.mu.Lock()
	for i, text := range texts {
		key := hashText(text)
		if elem, ok := c.entries[key]; ok {
			c.lru.MoveToFront(elem)
			c.hits++
			results[i] = elem.Value.(*cachedVec).vec
			continue
		}
		c.misses++
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return results, nil
	}

	vecs, err := c.backend.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for j, vec := range vecs {
		results[missingIdx[j]] = vec
		key := hashText(missing[j])
		if _, ok := c.entries[key]; ok {
			continue
		}
		c.entries[key] = c.lru.PushFront(&cachedVec{key: key, vec: vec})
	}
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cachedVec).key)
	}
	return results, nil
}

// Dimensions returns the backend's embedding dimension.
func (c *CachedEmbedder) Dimensions() int {
	return c.backend.Dimensions()
}

// Model returns the backend's model name.
func (c *CachedEmbedder) Model() string {
	return c.backend.Model()
}

// Stats returns a snapshot of cache effectiveness counters.
func (c *CachedEmbedder) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:     c.hits,
		Misses:   c.misses,
		Size:     c.lru.Len(),
		Capacity: c.capacity,
	}
}

// Clear drops all cached embeddings.
func (c *CachedEmbedder) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.lru.Init()
}
