package evidence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/klauspost/compress/zlib"
)

// grainMarkerSize is the size of the lba and length fields that precede a
// compressed grain.
const grainMarkerSize = 12

// decompressGrain reads the compressed grain whose marker starts at off and
// inflates it into a grain-sized buffer.
//
// Compressed grain layout (streamOptimized VMDK):
//
//	Bytes 0..7:   LBA of the grain, in sectors
//	Bytes 8..11:  Compressed length in bytes
//	Bytes 12..:   RFC 1950 (zlib) stream
func decompressGrain(ra io.ReaderAt, off int64, grainBytes int) ([]byte, error) {
	marker := make([]byte, grainMarkerSize)
	if err := readFull(ra, marker, off); err != nil {
		return nil, fmt.Errorf("evidence: read grain marker at 0x%x: %w", off, err)
	}
	size := binary.LittleEndian.Uint32(marker[8:12])
	if size == 0 || int64(size) > 2*int64(grainBytes)+1024 {
		return nil, fmt.Errorf("%w: compressed grain of %d bytes at 0x%x", ErrUnsupportedFormat, size, off)
	}

	compressed := make([]byte, size)
	if err := readFull(ra, compressed, off+grainMarkerSize); err != nil {
		return nil, fmt.Errorf("evidence: read compressed grain at 0x%x: %w", off, err)
	}

	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("evidence: inflate grain at 0x%x: %w", off, err)
	}
	defer reader.Close()

	grain := make([]byte, grainBytes)
	n, err := io.ReadFull(reader, grain)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("evidence: inflate grain at 0x%x: %w", off, err)
	}
	// A short final grain reads as zeros past its end
	clear(grain[n:])
	return grain, nil
}

// grainCache keeps recently inflated grains keyed by file offset.
// Callers serialize access.
type grainCache struct {
	lru *simplelru.LRU[int64, []byte]
}

func newGrainCache(size int) *grainCache {
	lru, err := simplelru.NewLRU[int64, []byte](size, nil)
	if err != nil {
		// only fails for size <= 0
		panic(err)
	}
	return &grainCache{lru: lru}
}

func (c *grainCache) get(off int64) ([]byte, bool) {
	return c.lru.Get(off)
}

func (c *grainCache) put(off int64, grain []byte) {
	c.lru.Add(off, grain)
}
