package evidence

import (
	"fmt"
	"io"

	"github.com/apex/log"
)

// Read copies media bytes starting at off into p and returns the number of
// bytes copied. Reads past the end of the media are truncated; an offset at
// or past the end is an error.
//
// Requests no larger than the cache window go through the chunk cache.
// Larger requests, and every request when caching is disabled, read the
// backend directly.
func (img *Image) Read(off int64, p []byte) (int, error) {
	if img.closed.Load() {
		return 0, ErrClosed
	}
	if p == nil {
		return 0, fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, off)
	}
	if off >= img.size {
		return 0, fmt.Errorf("%w: offset %d, media size %d", ErrOffsetOutOfRange, off, img.size)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if rem := img.size - off; int64(len(p)) > rem {
		p = p[:rem]
	}

	if img.cache.Bypass() || int64(len(p)) > img.cache.Window() {
		return img.readDirect(off, p)
	}
	return img.readCached(off, p)
}

// readCached walks p one chunk at a time. Chunk keys are chunk-aligned
// media offsets. The cache lock is never held while the backend is read.
// A failed chunk fails the whole request, even when earlier chunks were
// already copied.
func (img *Image) readCached(off int64, p []byte) (int, error) {
	chunk := int64(img.cache.ChunkSize())
	n := 0
	for len(p) > 0 {
		key := off - off%chunk
		delta := off - key
		chunkLen := min(chunk, img.size-key)
		want := min(chunkLen-delta, int64(len(p)))

		img.cache.Lock()
		data, ok := img.cache.Get(key)
		if ok && int64(len(data)) >= delta+want {
			copy(p[:want], data[delta:delta+want])
			img.cache.Unlock()
		} else {
			img.cache.Unlock()

			// Whole-chunk requests land straight in the caller's buffer.
			direct := delta == 0 && want == chunkLen
			var buf []byte
			if direct {
				buf = p[:chunkLen]
			} else {
				buf = img.getChunkBuffer()[:chunkLen]
			}
			if err := img.fill(buf, key); err != nil {
				if !direct {
					img.putChunkBuffer(buf)
				}
				return 0, err
			}

			img.cache.Lock()
			img.cache.Put(key, buf)
			img.cache.Unlock()

			if !direct {
				copy(p[:want], buf[delta:delta+want])
				img.putChunkBuffer(buf)
			}
		}

		n += int(want)
		p = p[want:]
		off += want
	}
	return n, nil
}

// readDirect reads p from the backend without the cache. Backends that need
// sector-aligned access get a widened request that is trimmed afterwards.
func (img *Image) readDirect(off int64, p []byte) (int, error) {
	if !img.aligned {
		if err := img.fill(p, off); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	ss := int64(img.sectorSize)
	start := off - off%ss
	end := min((off+int64(len(p))+ss-1)/ss*ss, img.size)
	if start == off && end == off+int64(len(p)) {
		if err := img.fill(p, off); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	buf := make([]byte, end-start)
	if err := img.fill(buf, start); err != nil {
		return 0, err
	}
	return copy(p, buf[off-start:]), nil
}

// fill reads exactly len(buf) bytes of media at off from the backend and
// forwards them to the attached writer.
func (img *Image) fill(buf []byte, off int64) error {
	n, err := img.backend.ReadAt(buf, off)
	if n == len(buf) {
		err = nil
	} else if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return fmt.Errorf("evidence: read %d bytes at offset %d: %w", len(buf), off, err)
	}
	img.forward(buf, off)
	return nil
}

// forward copies a freshly read block to the attached writer, if any.
func (img *Image) forward(buf []byte, off int64) {
	img.writerMu.RLock()
	w := img.writer
	img.writerMu.RUnlock()
	if w == nil {
		return
	}
	if _, err := w.WriteAt(buf, off); err != nil {
		img.log.WithError(err).WithFields(log.Fields{
			"offset": off,
			"length": len(buf),
		}).Warn("image writer failed")
	}
}
