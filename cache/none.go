package cache

import "sync"

// None is a pass-through strategy. Every lookup misses and nothing is
// stored, so readers go straight to the backend.
type None struct {
	mu sync.Mutex
}

// NewNone returns a strategy that caches nothing.
func NewNone() *None {
	return &None{}
}

func (c *None) Lock()   { c.mu.Lock() }
func (c *None) Unlock() { c.mu.Unlock() }

func (c *None) Get(int64) ([]byte, bool) { return nil, false }
func (c *None) Put(int64, []byte)        {}
func (c *None) ChunkSize() int           { return 0 }
func (c *None) Window() int64            { return 0 }
func (c *None) Bypass() bool             { return true }
func (c *None) Purge()                   {}
func (c *None) Stats() Stats             { return Stats{} }
