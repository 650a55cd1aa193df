package cache

import "sync"

const (
	// LegacySlots is the number of chunk slots held by a Legacy cache.
	LegacySlots = 32

	// MaxAge is the age a slot is reset to when it is hit or filled.
	MaxAge = 1000
)

// legacySlot is one chunk plus its aging counter. An age of 0 means the
// slot has never been used; used slots never age below 1.
type legacySlot struct {
	key    int64
	length int
	age    int
	data   []byte
}

// Legacy is the fixed-slot aging cache. It approximates LRU in O(slots):
// every lookup walks all used slots, the hit is reset to MaxAge and every
// other used slot ages by one.
//
// Eviction order is fully determined by the scan order, which makes it
// reproducible across runs.
type Legacy struct {
	mu    sync.Mutex
	slots [LegacySlots]legacySlot
	stats Stats
}

// NewLegacy returns an empty fixed-slot cache. Slot buffers are allocated
// on first use.
func NewLegacy() *Legacy {
	return &Legacy{}
}

func (c *Legacy) Lock()   { c.mu.Lock() }
func (c *Legacy) Unlock() { c.mu.Unlock() }

// Get scans every used slot. A hit resets that slot's age; all other used
// slots age by one, saturating at 1.
func (c *Legacy) Get(key int64) ([]byte, bool) {
	hit := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.age == 0 {
			continue
		}
		if hit < 0 && s.key == key {
			s.age = MaxAge
			hit = i
			continue
		}
		if s.age > 1 {
			s.age--
		}
	}
	if hit < 0 {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	s := &c.slots[hit]
	return s.data[:s.length], true
}

// Put stores data in the slot already holding key, else in the first
// never-used slot, else in the slot with the lowest age (lowest index wins
// ties).
func (c *Legacy) Put(key int64, data []byte) {
	if len(data) > ChunkSize {
		data = data[:ChunkSize]
	}
	s := &c.slots[c.victim(key)]
	if s.data == nil {
		s.data = make([]byte, ChunkSize)
	}
	s.key = key
	s.length = copy(s.data, data)
	s.age = MaxAge
}

// victim picks the slot Put will overwrite.
func (c *Legacy) victim(key int64) int {
	for i := range c.slots {
		if c.slots[i].age != 0 && c.slots[i].key == key {
			return i
		}
	}
	oldest := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.age == 0 {
			return i
		}
		if oldest < 0 || s.age < c.slots[oldest].age {
			oldest = i
		}
	}
	return oldest
}

func (c *Legacy) ChunkSize() int { return ChunkSize }
func (c *Legacy) Window() int64  { return LegacySlots * ChunkSize }
func (c *Legacy) Bypass() bool   { return false }
func (c *Legacy) Stats() Stats   { return c.stats }

// Purge marks every slot as never used. Buffers are kept for reuse.
func (c *Legacy) Purge() {
	for i := range c.slots {
		c.slots[i].age = 0
		c.slots[i].length = 0
	}
}

// ages returns a snapshot of the slot ages, for tests.
func (c *Legacy) ages() []int {
	out := make([]int, LegacySlots)
	for i := range c.slots {
		out[i] = c.slots[i].age
	}
	return out
}
