package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetPut(t *testing.T) {
	c := New("voices", 10, 0)

	_, ok := c.Get("a")
	require.False(t, ok)

	evicted := c.Put("a", []byte("alpha"), 5)
	assert.Empty(t, evicted)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), v)

	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
	assert.EqualValues(t, 5, s.Bytes)
	assert.Equal(t, 1, s.Entries)
}

func TestCacheLRUEvictionOrder(t *testing.T) {
	c := New("voices", 2, 0)

	c.Put("a", []byte("a"), 1)
	c.Put("b", []byte("b"), 1)

	// Inserting C over capacity evicts A, the least recently used.
	evicted := c.Put("c", []byte("c"), 1)
	require.Equal(t, []string{"a"}, evicted)

	// get(B) refreshes its recency, so inserting D evicts C, not B.
	_, ok := c.Get("b")
	require.True(t, ok)
	evicted = c.Put("d", []byte("d"), 1)
	require.Equal(t, []string{"c"}, evicted)

	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)
}

func TestCacheByteBoundEviction(t *testing.T) {
	c := New("audio", 0, 100)

	c.Put("a", make([]byte, 40), 40)
	c.Put("b", make([]byte, 40), 40)

	// 40+40+40 > 100: evicts A.
	evicted := c.Put("c", make([]byte, 40), 40)
	require.Equal(t, []string{"a"}, evicted)

	s := c.Stats()
	assert.EqualValues(t, 80, s.Bytes)
	assert.EqualValues(t, 1, s.Evictions)
}

func TestCacheEvictsWhileEitherBoundExceeded(t *testing.T) {
	c := New("audio", 3, 100)

	c.Put("a", make([]byte, 10), 10)
	c.Put("b", make([]byte, 10), 10)
	c.Put("c", make([]byte, 10), 10)

	// Within the count bound after evicting one, but the byte bound forces
	// two more evictions.
	evicted := c.Put("d", make([]byte, 95), 95)
	require.Equal(t, []string{"a", "b", "c"}, evicted)

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.EqualValues(t, 95, s.Bytes)
}

func TestCacheOversizedEntryEvictsEverything(t *testing.T) {
	c := New("models", 0, 100)

	c.Put("a", make([]byte, 50), 50)
	evicted := c.Put("big", make([]byte, 200), 200)

	// The oversized entry cannot fit: it evicts all others and finally
	// itself, leaving the cache empty but within bounds.
	assert.Equal(t, []string{"a", "big"}, evicted)
	assert.Equal(t, 0, c.Len())
}

func TestCacheReplaceAdjustsBytes(t *testing.T) {
	c := New("text", 0, 100)

	c.Put("a", make([]byte, 30), 30)
	c.Put("a", make([]byte, 60), 60)

	s := c.Stats()
	assert.EqualValues(t, 60, s.Bytes)
	assert.Equal(t, 1, s.Entries)
}

func TestCacheInvalidate(t *testing.T) {
	c := New("voices", 10, 0)

	c.Put("a", []byte("a"), 1)
	assert.True(t, c.Invalidate("a"))
	assert.False(t, c.Invalidate("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.EqualValues(t, 0, c.Stats().Bytes)
}

func TestCacheClearRetainsCounters(t *testing.T) {
	c := New("voices", 10, 0)

	c.Put("a", []byte("a"), 1)
	c.Get("a")
	c.Clear()

	assert.Equal(t, 0, c.Len())
	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 0, s.Bytes)
}

func TestCacheInsertionOrderBreaksTies(t *testing.T) {
	c := New("voices", 3, 0)

	// None of these are ever accessed; eviction follows insertion order.
	c.Put("first", []byte("1"), 1)
	c.Put("second", []byte("2"), 1)
	c.Put("third", []byte("3"), 1)

	evicted := c.Put("fourth", []byte("4"), 1)
	require.Equal(t, []string{"first"}, evicted)
	evicted = c.Put("fifth", []byte("5"), 1)
	require.Equal(t, []string{"second"}, evicted)
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New("audio", 64, 64*1024)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 200 {
				key := fmt.Sprintf("key-%d", (i*200+j)%100)
				if j%3 == 0 {
					c.Put(key, make([]byte, 64), 64)
				} else {
					c.Get(key)
				}
			}
		}(i)
	}
	wg.Wait()

	s := c.Stats()
	assert.LessOrEqual(t, s.Entries, 64)
	assert.LessOrEqual(t, s.Bytes, int64(64*1024))
}
