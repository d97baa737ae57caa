package index

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/latisnere77/SuplementIA-sub012/pkg/pool"
	"github.com/latisnere77/SuplementIA-sub012/pkg/vectormath"
)

// HNSWConfig contains tuning parameters for the in-memory vector graph.
type HNSWConfig struct {
	M               int     // Max connections per node per layer (default: 16)
	EfConstruction  int     // Candidate list size during construction (default: 200)
	EfSearch        int     // Candidate list size during search (default: 100)
	LevelMultiplier float64 // Level multiplier = 1/ln(M)
}

// DefaultHNSWConfig returns sensible defaults for the vector graph.
// The defaults favor recall over insert speed, which fits this
// workload: inserts arrive one at a time from the discovery worker
// while searches happen on every cache miss.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// graphNode is one supplement's position in the HNSW graph.
type graphNode struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string
	mu        sync.RWMutex
}

// hnswGraph provides approximate nearest neighbor search over supplement
// embeddings. Vectors are normalized on insert so dot product equals
// cosine similarity.
type hnswGraph struct {
	config     HNSWConfig
	dimensions int
	mu         sync.RWMutex
	nodes      map[string]*graphNode
	entryPoint string
	maxLevel   int
}

// newHNSWGraph creates an empty graph for vectors of the given dimension.
func newHNSWGraph(dimensions int, config HNSWConfig) *hnswGraph {
	if config.M == 0 {
		config = DefaultHNSWConfig()
	}
	return &hnswGraph{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[string]*graphNode),
		maxLevel:   0,
	}
}

// add inserts a vector under the given record ID. The vector is copied
// and normalized; the caller's slice is not retained.
func (h *hnswGraph) add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	normalized := vectormath.Normalize(vec)
	level := h.randomLevel()

	node := &graphNode{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.config.M)
	}

	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.greedyDescend(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < h.config.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					allNeighbors := append(neighbor.neighbors[l], id)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, allNeighbors, h.config.M)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}

	return nil
}

// remove unlinks a record from the graph. A no-op if the ID is unknown.
func (h *hnswGraph) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, exists := h.nodes[id]
	if !exists {
		return
	}

	for l := 0; l <= node.level; l++ {
		for _, neighborID := range node.neighbors[l] {
			if neighbor, ok := h.nodes[neighborID]; ok {
				neighbor.mu.Lock()
				if len(neighbor.neighbors) > l {
					kept := make([]string, 0, len(neighbor.neighbors[l]))
					for _, nid := range neighbor.neighbors[l] {
						if nid != id {
							kept = append(kept, nid)
						}
					}
					neighbor.neighbors[l] = kept
				}
				neighbor.mu.Unlock()
			}
		}
	}

	delete(h.nodes, id)

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = -1
		for nid, n := range h.nodes {
			if n.level > h.maxLevel {
				h.maxLevel = n.level
				h.entryPoint = nid
			}
		}
		if h.maxLevel == -1 {
			h.maxLevel = 0
		}
	}
}

// hnswHit is a raw graph search result: record ID plus cosine score.
type hnswHit struct {
	id    string
	score float64
}

// search finds up to k nearest neighbors with score >= minScore.
// Scores are cosine similarity clamped to [0, 1].
func (h *hnswGraph) search(ctx context.Context, query []float32, k int, minScore float64) ([]hnswHit, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return []hnswHit{}, nil
	}

	normalized := append(pool.GetVector(len(query)), query...)
	vectormath.NormalizeInPlace(normalized)
	defer pool.PutVector(normalized)

	ep := h.entryPoint

	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyDescend(normalized, ep, l)
	}

	candidates := h.searchLayer(normalized, ep, h.config.EfSearch, 0)

	hits := make([]hnswHit, 0, k)
	for _, candidateID := range candidates {
		if ctx.Err() != nil {
			return hits, ctx.Err()
		}

		node := h.nodes[candidateID]
		score := vectormath.DotProduct(normalized, node.vector)
		if score < 0 {
			score = 0
		}

		if score >= minScore {
			hits = append(hits, hnswHit{id: candidateID, score: score})
		}

		if len(hits) >= k {
			break
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})

	if len(hits) > k {
		hits = hits[:k]
	}

	return hits, nil
}

// size returns the number of vectors in the graph.
func (h *hnswGraph) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// greedyDescend walks a single layer toward the query, returning the
// closest node reachable by greedy moves.
func (h *hnswGraph) greedyDescend(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := 1.0 - vectormath.DotProduct(query, h.nodes[current].vector)

	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			dist := 1.0 - vectormath.DotProduct(query, neighbor.vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}

		if !changed {
			break
		}
	}

	return current
}

func (h *hnswGraph) searchLayer(query []float32, entryID string, ef int, level int) []string {
	visited := pool.GetVisitedSet()
	defer pool.PutVisitedSet(visited)
	visited[entryID] = true

	candidates := &distHeap{}
	heap.Init(candidates)

	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - vectormath.DotProduct(query, h.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor := h.nodes[neighborID]
			dist := 1.0 - vectormath.DotProduct(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist, isMax: false})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})

				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item := heap.Pop(results).(distItem)
		resultList[i] = item.id
	}

	return resultList
}

func (h *hnswGraph) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   string
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{
			id:   cid,
			dist: 1.0 - vectormath.DotProduct(query, h.nodes[cid].vector),
		}
	}

	sort.Slice(dists, func(i, j int) bool {
		return dists[i].dist < dists[j].dist
	})

	result := make([]string, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].id
	}
	return result
}

func (h *hnswGraph) randomLevel() int {
	r := rand.Float64()
	// Float64 can return exactly 0, and -log(0) is +Inf.
	for r == 0 {
		r = rand.Float64()
	}
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

// Heap types for layer search
type distItem struct {
	id    string
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *distHeap) Push(x interface{}) {
	*dh = append(*dh, x.(distItem))
}

func (dh *distHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
