package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryTier is the in-process cache level: an LRU map with per-entry
// TTL. Reads move entries to the front of the recency list; when the
// tier is full, expired entries are evicted before any live entry, and
// among live entries the least recently used goes first (which for
// never-read entries is insertion order).
//
// Thread-safe: all methods can be called concurrently.
type MemoryTier struct {
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type memoryEntry struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryTier creates an in-memory tier with the given capacity and
// TTL. Capacity of 0 or less defaults to 10000 entries; zero TTL
// defaults to DefaultTTL.
func NewMemoryTier(capacity int, ttl time.Duration) *MemoryTier {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTier{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Name returns "memory".
func (m *MemoryTier) Name() string { return "memory" }

// Get returns the entry for key if present and unexpired. Expired
// entries are dropped on the spot and reported as misses.
func (m *MemoryTier) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		m.misses.Add(1)
		return nil, ErrMiss
	}

	me := elem.Value.(*memoryEntry)
	if time.Now().After(me.expiresAt) {
		m.removeLocked(elem)
		m.misses.Add(1)
		return nil, ErrMiss
	}

	m.lru.MoveToFront(elem)
	m.hits.Add(1)
	return me.entry, nil
}

// Put stores entry under key, replacing any existing entry and evicting
// if the tier is over capacity.
func (m *MemoryTier) Put(_ context.Context, key string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		me := elem.Value.(*memoryEntry)
		me.entry = entry
		me.expiresAt = time.Now().Add(m.ttl)
		m.lru.MoveToFront(elem)
		return nil
	}

	me := &memoryEntry{
		key:       key,
		entry:     entry,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.entries[key] = m.lru.PushFront(me)

	for len(m.entries) > m.capacity {
		m.evictLocked()
	}
	return nil
}

// Delete removes the entry for key.
func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}
	return nil
}

// DeleteByRecord removes every entry whose cached record has the given
// ID. Linear scan; invalidation is rare relative to lookups.
func (m *MemoryTier) DeleteByRecord(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []*list.Element
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*memoryEntry).entry.RecordID() == recordID {
			doomed = append(doomed, elem)
		}
	}
	for _, elem := range doomed {
		m.removeLocked(elem)
	}
	return nil
}

// Len returns the number of stored entries, including not-yet-dropped
// expired ones.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear drops every entry.
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
}

// Stats returns a snapshot of the tier's counters.
func (m *MemoryTier) Stats() Stats {
	m.mu.Lock()
	size := len(m.entries)
	m.mu.Unlock()
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Size:      size,
	}
}

// evictLocked removes one entry: the oldest expired entry if any exist,
// otherwise the least recently used live entry.
func (m *MemoryTier) evictLocked() {
	now := time.Now()

	// Walk from the cold end so the first expired entry found is also
	// the least recently used expired entry.
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		if now.After(elem.Value.(*memoryEntry).expiresAt) {
			m.removeLocked(elem)
			m.evictions.Add(1)
			return
		}
	}

	if oldest := m.lru.Back(); oldest != nil {
		m.removeLocked(oldest)
		m.evictions.Add(1)
	}
}

func (m *MemoryTier) removeLocked(elem *list.Element) {
	m.lru.Remove(elem)
	delete(m.entries, elem.Value.(*memoryEntry).key)
}
