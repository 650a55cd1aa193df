// Package cache provides the chunk caches that sit between an evidence image
// and its format backend.
//
// A Strategy is owned by exactly one image. Callers hold the strategy's lock
// around every Get/Put pair; the strategy itself never takes that lock, so a
// get-then-put sequence is atomic with respect to other readers without the
// cache needing to be reentrant.
package cache

import (
	"errors"
	"sync"
)

// ChunkSize is the size of one cached window of an image.
const ChunkSize = 64 * 1024

// DefaultLRUCapacity is the default number of chunks held by an LRU cache.
// 1024 chunks of 64KB keep 64MB of image data resident.
const DefaultLRUCapacity = 1024

// ErrInvalidCapacity is returned when a cache is constructed with a
// non-positive capacity.
var ErrInvalidCapacity = errors.New("cache: capacity must be positive")

// Strategy is a lockable chunk cache keyed by chunk-aligned image offset.
type Strategy interface {
	sync.Locker

	// Get looks up a chunk. The returned slice aliases cache memory and is
	// only valid while the caller holds the lock.
	Get(key int64) ([]byte, bool)

	// Put stores a copy of data under key, evicting as needed.
	Put(key int64, data []byte)

	// ChunkSize returns the chunk granularity, or 0 when Bypass is true.
	ChunkSize() int

	// Window returns the total number of bytes the cache can hold.
	// Requests larger than this skip the cache.
	Window() int64

	// Bypass reports that reads should go straight to the backend.
	Bypass() bool

	// Purge drops every cached chunk.
	Purge()

	// Stats returns hit and miss counters.
	Stats() Stats
}

// Stats counts cache lookups. Counters are updated under the strategy lock.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Kind selects a cache implementation.
type Kind int

const (
	KindLRU Kind = iota
	KindLegacy
	KindNone
)

// String returns the name of the cache kind.
func (k Kind) String() string {
	switch k {
	case KindLRU:
		return "lru"
	case KindLegacy:
		return "legacy"
	case KindNone:
		return "none"
	}
	return "unknown"
}

// New constructs a strategy of the given kind. capacity is only used by
// KindLRU; a value <= 0 selects DefaultLRUCapacity.
func New(kind Kind, capacity int) (Strategy, error) {
	switch kind {
	case KindNone:
		return NewNone(), nil
	case KindLegacy:
		return NewLegacy(), nil
	case KindLRU:
		if capacity <= 0 {
			capacity = DefaultLRUCapacity
		}
		return NewLRU(capacity)
	}
	return nil, errors.New("cache: unknown kind")
}
