package rrhf

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// queryEntry is one memoized query tokenization
type queryEntry struct {
	hash     uint64
	text     string
	tokenIDs []int
}

// QueryCache memoizes query tokenizations across steps. Every candidate of an
// example shares its query, and the same examples come back every epoch.
// Entries are keyed by the xxhash of the query text and verified against the
// text on lookup. It is safe for concurrent use.
type QueryCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*list.Element
	lru      *list.List
	hits     int64
	misses   int64
}

// NewQueryCache creates a cache holding at most capacity queries
func NewQueryCache(capacity int) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		lru:      list.New(),
	}
}

// ComputeHash computes the cache key of a query text
func ComputeHash(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Get returns a copy of the cached token IDs for text.
func (c *QueryCache) Get(text string) ([]int, bool) {
	h := ComputeHash(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[h]
	if !ok || elem.Value.(*queryEntry).text != text {
		c.misses++
		return nil, false
	}
	c.hits++
	c.lru.MoveToFront(elem)
	cached := elem.Value.(*queryEntry).tokenIDs
	tokens := make([]int, len(cached))
	copy(tokens, cached)
	return tokens, true
}

// Put stores a copy of tokenIDs for text, evicting the least recently used
// entry when full. A hash collision replaces the previous entry.
func (c *QueryCache) Put(text string, tokenIDs []int) {
	if c.capacity <= 0 {
		return
	}
	h := ComputeHash(text)
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[h]; ok {
		entry := elem.Value.(*queryEntry)
		entry.text = text
		entry.tokenIDs = tokens
		c.lru.MoveToFront(elem)
		return
	}
	for c.lru.Len() >= c.capacity {
		last := c.lru.Back()
		c.lru.Remove(last)
		delete(c.entries, last.Value.(*queryEntry).hash)
	}
	c.entries[h] = c.lru.PushFront(&queryEntry{hash: h, text: text, tokenIDs: tokens})
}

// Len returns the number of cached queries
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns the number of lookups that hit and missed
func (c *QueryCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
