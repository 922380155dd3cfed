// Package cache provides the bounded in-memory artifact caches and the
// manager that coordinates cache-aside loading across them.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of one cache's counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Bytes     int64 `json:"bytes"`
	Entries   int   `json:"entries"`
}

// Cache is a thread-safe LRU cache for one artifact class, bounded by entry
// count and/or total byte size. A zero bound disables that limit.
//
// Eviction removes the least-recently-used entry while either configured
// bound is exceeded. Entries inserted earlier sit further back in the recency
// list, so insertion order breaks ties among never-accessed entries.
type Cache struct {
	name       string
	maxEntries int
	maxBytes   int64

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	bytes   int64
	seq     uint64
	stats   Stats
}

type entry struct {
	key        string
	value      []byte
	size       int64
	lastAccess time.Time
	seq        uint64
}

// New creates a cache with the given bounds. maxEntries <= 0 disables the
// count bound; maxBytes <= 0 disables the byte bound.
func New(name string, maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		name:       name,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Name returns the cache's configured name.
func (c *Cache) Name() string {
	return c.name
}

// Get returns the cached value for key. A hit marks the entry most recently
// used. The returned slice is the cached value itself; callers must not
// mutate it.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	ent := elem.Value.(*entry)
	ent.lastAccess = time.Now()
	c.stats.Hits++
	return ent.value, true
}

// Put inserts or replaces the value for key and evicts least-recently-used
// entries until both bounds hold again. It returns the keys evicted to make
// room, so callers can propagate invalidation to dependent state. The new
// entry itself is never evicted by the Put that inserted it unless it alone
// exceeds the byte bound, in which case it is the final eviction victim.
func (c *Cache) Put(key string, value []byte, size int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		c.bytes += size - ent.size
		ent.value = value
		ent.size = size
		ent.lastAccess = now
		c.order.MoveToFront(elem)
		return c.evictOverBounds()
	}

	c.seq++
	elem := c.order.PushFront(&entry{
		key:        key,
		value:      value,
		size:       size,
		lastAccess: now,
		seq:        c.seq,
	})
	c.entries[key] = elem
	c.bytes += size
	return c.evictOverBounds()
}

// evictOverBounds removes LRU entries while either bound is exceeded.
// Caller must hold c.mu.
func (c *Cache) evictOverBounds() []string {
	var evicted []string
	for c.overBounds() {
		back := c.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry)
		c.removeElement(back)
		c.stats.Evictions++
		evicted = append(evicted, ent.key)
	}
	return evicted
}

func (c *Cache) overBounds() bool {
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.bytes > c.maxBytes {
		return true
	}
	return false
}

func (c *Cache) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.key)
	c.bytes -= ent.size
}

// Invalidate removes key from the cache. Returns true if it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Clear removes all entries. Counters are retained.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.bytes = 0
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache's counters and occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Bytes = c.bytes
	s.Entries = len(c.entries)
	return s
}
