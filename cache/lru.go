package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRU is a bounded least-recently-used chunk cache. Get promotes the hit;
// Put of a new key at capacity evicts the least recently used chunk.
// Evicted chunk buffers are recycled for later Puts.
type LRU struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[int64, []byte]
	free     [][]byte
	capacity int
	stats    Stats
}

// NewLRU creates an LRU cache holding up to capacity chunks.
func NewLRU(capacity int) (*LRU, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	c := &LRU{capacity: capacity}
	l, err := simplelru.NewLRU[int64, []byte](capacity, c.recycle)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// recycle is the eviction callback. It runs with the cache lock held by
// whoever triggered the eviction.
func (c *LRU) recycle(_ int64, buf []byte) {
	c.free = append(c.free, buf[:0])
}

func (c *LRU) Lock()   { c.mu.Lock() }
func (c *LRU) Unlock() { c.mu.Unlock() }

// Get returns the chunk stored under key and marks it most recently used.
func (c *LRU) Get(key int64) ([]byte, bool) {
	buf, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return buf, true
}

// Put stores a copy of data. An existing key is updated in place and
// promoted.
func (c *LRU) Put(key int64, data []byte) {
	if len(data) > ChunkSize {
		data = data[:ChunkSize]
	}
	buf, ok := c.lru.Peek(key)
	if !ok {
		buf = c.buffer()
	}
	buf = append(buf[:0], data...)
	c.lru.Add(key, buf)
}

func (c *LRU) buffer() []byte {
	if n := len(c.free); n > 0 {
		buf := c.free[n-1]
		c.free = c.free[:n-1]
		return buf
	}
	return make([]byte, 0, ChunkSize)
}

// Contains reports whether key is cached without touching recency.
func (c *LRU) Contains(key int64) bool {
	return c.lru.Contains(key)
}

// Len returns the number of cached chunks.
func (c *LRU) Len() int {
	return c.lru.Len()
}

// Capacity returns the maximum number of cached chunks.
func (c *LRU) Capacity() int {
	return c.capacity
}

func (c *LRU) ChunkSize() int { return ChunkSize }
func (c *LRU) Window() int64  { return int64(c.capacity) * ChunkSize }
func (c *LRU) Bypass() bool   { return false }
func (c *LRU) Stats() Stats   { return c.stats }

// Purge drops every chunk. Buffers go back to the free list.
func (c *LRU) Purge() {
	c.lru.Purge()
}
