package evidence

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/ehrlich-b/go-evidence/cache"
)

// Default pool sizes
const (
	// DefaultCacheSize is the default number of 64KB chunks held by the LRU
	// cache (64MB).
	DefaultCacheSize = cache.DefaultLRUCapacity

	// DefaultMaxOpenSegments is the default number of segment files of a
	// split image kept open at once.
	DefaultMaxOpenSegments = 16
)

// CacheKind selects the chunk cache attached to an image.
type CacheKind = cache.Kind

// Cache kinds
const (
	CacheLRU    = cache.KindLRU
	CacheLegacy = cache.KindLegacy
	CacheNone   = cache.KindNone
)

// ParseCacheKind converts "lru", "legacy" or "none" to a CacheKind.
func ParseCacheKind(name string) (CacheKind, error) {
	for _, k := range []CacheKind{CacheLRU, CacheLegacy, CacheNone} {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return CacheLRU, fmt.Errorf("%w: unknown cache %q", ErrInvalidArgument, name)
}

// Option configures how an image is opened.
type Option func(*imageOptions)

// imageOptions holds configuration for opening an image.
type imageOptions struct {
	typ             Type
	sectorSize      int
	cacheKind       CacheKind
	cacheSet        bool
	cacheSize       int
	password        string
	maxOpenSegments int
	logger          log.Interface
}

// defaultImageOptions returns the default configuration.
func defaultImageOptions() *imageOptions {
	return &imageOptions{
		typ:             TypeDetect,
		cacheKind:       CacheLRU,
		cacheSize:       DefaultCacheSize,
		maxOpenSegments: DefaultMaxOpenSegments,
		logger:          &log.Logger{Handler: discard.Default, Level: log.InfoLevel},
	}
}

// WithType declares the image type. The backend for that type is opened
// directly and no detection takes place.
func WithType(t Type) Option {
	return func(o *imageOptions) {
		o.typ = t
	}
}

// WithSectorSize sets the sector size. 0 keeps the backend's own sector
// size (512 for most formats); any other value must be a multiple of 512.
func WithSectorSize(size int) Option {
	return func(o *imageOptions) {
		o.sectorSize = size
	}
}

// WithCache selects the chunk cache. Without this option logical images get
// no cache and everything else gets an LRU cache.
func WithCache(kind CacheKind) Option {
	return func(o *imageOptions) {
		o.cacheKind = kind
		o.cacheSet = true
	}
}

// WithCacheSize sets the number of 64KB chunks held by the LRU cache.
//
// Requests larger than the cache window bypass the cache, so this also
// bounds the largest read that is cached.
func WithCacheSize(chunks int) Option {
	return func(o *imageOptions) {
		if chunks > 0 {
			o.cacheSize = chunks
		}
	}
}

// WithPassword supplies the passphrase for encrypted containers.
func WithPassword(password string) Option {
	return func(o *imageOptions) {
		o.password = password
	}
}

// WithMaxOpenSegments bounds the number of segment files kept open.
func WithMaxOpenSegments(n int) Option {
	return func(o *imageOptions) {
		if n > 0 {
			o.maxOpenSegments = n
		}
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l log.Interface) Option {
	return func(o *imageOptions) {
		if l != nil {
			o.logger = l
		}
	}
}
