package evidence

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/apex/log"

	"github.com/ehrlich-b/go-evidence/cache"
)

// Image is an opened evidence image. It is safe for concurrent use.
type Image struct {
	backend    Backend
	typ        Type
	size       int64
	sectorSize int
	paths      []string
	aligned    bool
	log        log.Interface

	cache     cache.Strategy
	cacheKind CacheKind

	// writer receives a copy of every block fetched from the backend.
	writerMu sync.RWMutex
	writer   io.WriterAt

	closed atomic.Bool

	// Buffer pool for chunk-sized allocations
	chunkPool sync.Pool
}

func newImage(b Backend, typ Type, paths []string, o *imageOptions) (*Image, error) {
	aligned := false
	if ar, ok := b.(AlignedReader); ok {
		aligned = ar.AlignedReads()
	}

	sectorSize := o.sectorSize
	if sectorSize == 0 {
		sectorSize = b.SectorSize()
		if err := validateSectorSize(sectorSize); err != nil {
			if aligned {
				b.Close()
				return nil, fmt.Errorf("evidence: %w: backend sector size: %v", ErrUnsupportedFormat, err)
			}
			o.logger.WithField("sector_size", sectorSize).Warn("ignoring invalid sector size")
			sectorSize = 0
		}
	}
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}

	kind := o.cacheKind
	if !o.cacheSet && typ == TypeLogical {
		kind = CacheNone
	}
	strategy, err := cache.New(kind, o.cacheSize)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("evidence: %w", err)
	}
	if ls, ok := b.(lockSharer); ok {
		ls.useLock(strategy)
	}

	img := &Image{
		backend:    b,
		typ:        typ,
		size:       b.Size(),
		sectorSize: sectorSize,
		paths:      append([]string(nil), paths...),
		aligned:    aligned,
		log:        o.logger,
		cache:      strategy,
		cacheKind:  kind,
	}
	img.chunkPool = sync.Pool{
		New: func() any {
			return make([]byte, ChunkSize)
		},
	}

	img.log.WithFields(log.Fields{
		"type":     typ.DisplayName(),
		"size":     img.size,
		"segments": len(paths),
		"cache":    kind,
	}).Debug("image opened")
	return img, nil
}

// getChunkBuffer retrieves a chunk-sized buffer from the pool.
// The buffer contents are undefined.
func (img *Image) getChunkBuffer() []byte {
	buf, ok := img.chunkPool.Get().([]byte)
	if !ok {
		panic("evidence: chunk pool type assertion failed")
	}
	return buf
}

// putChunkBuffer returns a chunk-sized buffer to the pool.
func (img *Image) putChunkBuffer(buf []byte) {
	//nolint:staticcheck // SA6002: []byte is reference type, underlying array is heap-allocated
	img.chunkPool.Put(buf[:ChunkSize])
}

// Size returns the media size in bytes.
func (img *Image) Size() int64 {
	return img.size
}

// SectorSize returns the sector size in bytes.
func (img *Image) SectorSize() int {
	return img.sectorSize
}

// Type returns the resolved image type.
func (img *Image) Type() Type {
	return img.typ
}

// Paths returns the paths the image was opened from.
func (img *Image) Paths() []string {
	return append([]string(nil), img.paths...)
}

// Backend returns the format backend.
func (img *Image) Backend() Backend {
	return img.backend
}

// CacheKind returns the kind of chunk cache in use.
func (img *Image) CacheKind() CacheKind {
	return img.cacheKind
}

// CacheStats returns the chunk cache hit and miss counters.
func (img *Image) CacheStats() cache.Stats {
	img.cache.Lock()
	defer img.cache.Unlock()
	return img.cache.Stats()
}

// ReadAt implements io.ReaderAt. Reads that reach the end of the media
// return the bytes available and io.EOF.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off >= img.size && off >= 0 && !img.closed.Load() {
		return 0, io.EOF
	}
	n, err := img.Read(off, p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// NewReader returns a reader over the whole media.
func (img *Image) NewReader() *io.SectionReader {
	return io.NewSectionReader(img, 0, img.size)
}

// AttachWriter directs a copy of every block fetched from the backend to w
// at the same offset. Cached chunks are dropped first so that everything
// read from now on reaches w at least once. Pass nil to detach.
//
// Failed writes are logged and do not fail the read.
func (img *Image) AttachWriter(w io.WriterAt) {
	img.writerMu.Lock()
	img.writer = w
	img.writerMu.Unlock()

	img.cache.Lock()
	img.cache.Purge()
	img.cache.Unlock()
}

// Describe writes a human readable summary of the image to w.
func (img *Image) Describe(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Image Type: %s\nSize in bytes: %d\nSector size: %d\nCache: %s\n",
		img.typ.DisplayName(), img.size, img.sectorSize, img.cacheKind); err != nil {
		return err
	}
	return img.backend.Describe(w)
}

// Close releases the backend. Subsequent reads return ErrClosed.
func (img *Image) Close() error {
	if img.closed.Swap(true) {
		return nil
	}
	img.cache.Lock()
	img.cache.Purge()
	img.cache.Unlock()
	return img.backend.Close()
}
