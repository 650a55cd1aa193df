package evidence

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
)

// memBackend serves an in-memory byte slice and records every call.
type memBackend struct {
	mu         sync.Mutex
	data       []byte
	sectorSize int
	aligned    bool
	calls      []readCall
	closed     int
	failAt     int64 // reads covering this offset fail; -1 disables
	short      bool  // return one byte less than asked
}

type readCall struct {
	off    int64
	length int
}

var errInjected = errors.New("injected read failure")

func newMemBackend(data []byte) *memBackend {
	return &memBackend{data: data, failAt: -1}
}

func (b *memBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	b.calls = append(b.calls, readCall{off, len(p)})
	b.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(b.data)) {
		return 0, fmt.Errorf("memBackend: read [%d,%d) outside %d bytes", off, off+int64(len(p)), len(b.data))
	}
	if b.aligned {
		ss := int64(b.sectorSize)
		if off%ss != 0 || int64(len(p))%ss != 0 && off+int64(len(p)) != int64(len(b.data)) {
			return 0, fmt.Errorf("memBackend: unaligned read [%d,+%d)", off, len(p))
		}
	}
	if b.failAt >= 0 && off <= b.failAt && b.failAt < off+int64(len(p)) {
		return 0, errInjected
	}
	n := copy(p, b.data[off:])
	if b.short && n > 0 {
		return n - 1, nil
	}
	return n, nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *memBackend) Size() int64              { return int64(len(b.data)) }
func (b *memBackend) SectorSize() int          { return b.sectorSize }
func (b *memBackend) AlignedReads() bool       { return b.aligned }
func (b *memBackend) Describe(io.Writer) error { return nil }

func (b *memBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *memBackend) lastCall() readCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

// openMem wraps a memBackend in an Image.
func openMem(t *testing.T, b *memBackend, opts ...Option) *Image {
	t.Helper()
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}
	img, err := newImage(b, TypeExternal, nil, o)
	if err != nil {
		t.Fatalf("newImage failed: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

// recordingWriter captures every block forwarded to it.
type recordingWriter struct {
	mu     sync.Mutex
	data   []byte
	writes []readCall
	err    error
}

func (w *recordingWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, readCall{off, len(p)})
	if w.err != nil {
		return 0, w.err
	}
	copy(w.data[off:], p)
	return len(p), nil
}

// swapProbes replaces the detection registry for the duration of a test.
func swapProbes(t *testing.T, probes []registration, raw openFunc) {
	t.Helper()
	oldProbes, oldRaw := probeOrder, rawOpener
	probeOrder, rawOpener = probes, raw
	t.Cleanup(func() {
		probeOrder, rawOpener = oldProbes, oldRaw
	})
}
