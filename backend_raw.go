package evidence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ehrlich-b/go-evidence/segment"
)

// rawBackend reads a flat byte range spread across segment files.
type rawBackend struct {
	segs        *segment.List
	pool        *fdPool
	sectorSize  int
	blockDevice bool
	label       string
}

// openRaw opens a raw image. A single path is expanded to its split
// siblings; several paths are used as given.
func openRaw(paths []string, o *imageOptions) (Backend, error) {
	if len(paths) == 1 {
		found, err := segment.Discover(paths[0])
		if err != nil {
			return nil, fmt.Errorf("evidence: %w", err)
		}
		paths = found
	}
	if len(paths) > MaxSegments {
		return nil, fmt.Errorf("%w: %d segments", ErrTooManySegments, len(paths))
	}

	sizes := make([]int64, len(paths))
	blockDevice := false
	for i, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("evidence: %w", err)
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, p)
		}
		if fi.Mode().IsRegular() {
			sizes[i] = fi.Size()
			continue
		}
		blockDevice = true
		size, err := deviceSize(p, fi)
		if err != nil {
			return nil, err
		}
		sizes[i] = size
	}
	return newRawBackend(paths, sizes, blockDevice, o)
}

func newRawBackend(paths []string, sizes []int64, blockDevice bool, o *imageOptions) (*rawBackend, error) {
	segs, err := segment.NewList(paths, sizes)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	r := &rawBackend{
		segs:        segs,
		sectorSize:  DefaultSectorSize,
		blockDevice: blockDevice,
		label:       "Raw",
	}
	r.pool = newFDPool(o.maxOpenSegments, func(idx int) (*os.File, error) {
		f, err := os.Open(segs.Path(idx))
		if err != nil {
			return nil, fmt.Errorf("evidence: open segment: %w", err)
		}
		adviseRandom(f)
		return f, nil
	})
	return r, nil
}

func deviceSize(path string, fi os.FileInfo) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("evidence: %w", err)
	}
	defer f.Close()
	return fileSize(f, fi)
}

// ReadAt reads across segment boundaries.
func (r *rawBackend) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for len(p) > 0 {
		idx, rel, ok := r.segs.Locate(off)
		if !ok {
			return n, io.EOF
		}
		_, end := r.segs.Bounds(idx)
		toRead := min(int64(len(p)), end-off)

		e, err := r.pool.acquire(idx)
		if err != nil {
			return n, err
		}
		read, err := e.file.ReadAt(p[:toRead], rel)
		r.pool.release(e)

		n += read
		if int64(read) < toRead {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return n, fmt.Errorf("evidence: read %s at %d: %w", r.segs.Path(idx), rel, err)
		}
		p = p[toRead:]
		off += toRead
	}
	return n, nil
}

func (r *rawBackend) useLock(l sync.Locker) {
	r.pool.useLock(l)
}

// AlignedReads reports true for block devices, which reject partial
// sector reads when opened for direct I/O.
func (r *rawBackend) AlignedReads() bool {
	return r.blockDevice
}

func (r *rawBackend) Size() int64 {
	return r.segs.Size()
}

func (r *rawBackend) SectorSize() int {
	return r.sectorSize
}

func (r *rawBackend) Describe(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s segments: %d\n", r.label, r.segs.Len()); err != nil {
		return err
	}
	for i := 0; i < r.segs.Len(); i++ {
		start, end := r.segs.Bounds(i)
		if _, err := fmt.Fprintf(w, "  %s: %d-%d\n", r.segs.Path(i), start, end-1); err != nil {
			return err
		}
	}
	return nil
}

func (r *rawBackend) Close() error {
	return r.pool.closeAll()
}
