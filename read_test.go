package evidence

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/ehrlich-b/go-evidence/testutil"
)

// testMediaSize is deliberately not a multiple of the chunk size.
const testMediaSize = 5*ChunkSize + 1234

// readPattern is a mix of aligned, unaligned, chunk-crossing and tail reads.
var readPattern = []readCall{
	{0, 1},
	{0, ChunkSize},
	{100, 200},
	{ChunkSize - 10, 20},
	{ChunkSize + 7, 3 * ChunkSize},
	{2 * ChunkSize, ChunkSize / 2},
	{testMediaSize - 100, 100},
	{testMediaSize - 1, 1},
	{3*ChunkSize + 999, 1},
	{0, testMediaSize},
	{4096, 4096},
}

func TestReadTransparency(t *testing.T) {
	data := testutil.RandomBytes(1, testMediaSize)

	kinds := []struct {
		name string
		opts []Option
	}{
		{"lru", []Option{WithCache(CacheLRU)}},
		{"lru-small", []Option{WithCache(CacheLRU), WithCacheSize(2)}},
		{"legacy", []Option{WithCache(CacheLegacy)}},
		{"none", []Option{WithCache(CacheNone)}},
	}
	for _, k := range kinds {
		t.Run(k.name, func(t *testing.T) {
			img := openMem(t, newMemBackend(data), k.opts...)
			for round := 0; round < 2; round++ {
				for _, rc := range readPattern {
					buf := make([]byte, rc.length)
					n, err := img.Read(rc.off, buf)
					if err != nil {
						t.Fatalf("Read(%d, %d) failed: %v", rc.off, rc.length, err)
					}
					if n != rc.length {
						t.Fatalf("Read(%d, %d) = %d bytes", rc.off, rc.length, n)
					}
					if !bytes.Equal(buf, data[rc.off:rc.off+int64(rc.length)]) {
						t.Fatalf("Read(%d, %d) returned wrong data", rc.off, rc.length)
					}
				}
			}
		})
	}
}

func TestReadIdempotentWithCache(t *testing.T) {
	data := testutil.RandomBytes(2, testMediaSize)
	b := newMemBackend(data)
	img := openMem(t, b)

	first := make([]byte, 5000)
	if _, err := img.Read(ChunkSize-1000, first); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	calls := b.callCount()
	if calls != 2 {
		t.Errorf("first read made %d backend calls, want 2 (one per chunk)", calls)
	}

	second := make([]byte, 5000)
	if _, err := img.Read(ChunkSize-1000, second); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := b.callCount(); got != calls {
		t.Errorf("repeat read made %d more backend calls, want 0", got-calls)
	}
	if !bytes.Equal(first, second) {
		t.Error("repeat read returned different data")
	}

	stats := img.CacheStats()
	if stats.Hits < 2 {
		t.Errorf("cache hits = %d, want at least 2", stats.Hits)
	}
}

func TestReadChunkAlignedBackendCalls(t *testing.T) {
	data := testutil.RandomBytes(3, testMediaSize)
	b := newMemBackend(data)
	img := openMem(t, b)

	// The last chunk is short; the backend must be asked for exactly the
	// bytes that exist.
	buf := make([]byte, 10)
	if _, err := img.Read(testMediaSize-10, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	last := b.lastCall()
	if last.off != 5*ChunkSize || last.length != 1234 {
		t.Errorf("backend call = %+v, want {off:%d length:1234}", last, 5*ChunkSize)
	}
}

func TestReadLargerThanWindowBypassesCache(t *testing.T) {
	data := testutil.RandomBytes(4, testMediaSize)
	b := newMemBackend(data)
	img := openMem(t, b, WithCacheSize(2))

	buf := make([]byte, 3*ChunkSize)
	if _, err := img.Read(10, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if b.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1 direct read", b.callCount())
	}
	if last := b.lastCall(); last.off != 10 || last.length != len(buf) {
		t.Errorf("backend call = %+v, want the request unchanged", last)
	}
	if stats := img.CacheStats(); stats.Hits+stats.Misses != 0 {
		t.Errorf("cache saw %d lookups, want 0", stats.Hits+stats.Misses)
	}
}

func TestReadEndOfMedia(t *testing.T) {
	data := testutil.RandomBytes(5, testMediaSize)
	img := openMem(t, newMemBackend(data))

	buf := make([]byte, 100)
	n, err := img.Read(testMediaSize-10, buf)
	if err != nil {
		t.Fatalf("Read across end failed: %v", err)
	}
	if n != 10 {
		t.Errorf("Read across end = %d bytes, want 10", n)
	}
	if !bytes.Equal(buf[:10], data[testMediaSize-10:]) {
		t.Error("Read across end returned wrong data")
	}

	if _, err := img.Read(testMediaSize, buf); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Read at end: got %v, want ErrOffsetOutOfRange", err)
	}
	if _, err := img.Read(testMediaSize+ChunkSize, buf); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Read past end: got %v, want ErrOffsetOutOfRange", err)
	}

	// io.ReaderAt semantics
	n, err = img.ReadAt(buf, testMediaSize-10)
	if n != 10 || err != io.EOF {
		t.Errorf("ReadAt across end = (%d, %v), want (10, EOF)", n, err)
	}
	if n, err := img.ReadAt(buf, testMediaSize); n != 0 || err != io.EOF {
		t.Errorf("ReadAt at end = (%d, %v), want (0, EOF)", n, err)
	}

	got, err := io.ReadAll(img.NewReader())
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("NewReader returned wrong data")
	}
}

func TestReadInvalidArguments(t *testing.T) {
	img := openMem(t, newMemBackend(make([]byte, ChunkSize)))

	if _, err := img.Read(0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil buffer: got %v, want ErrInvalidArgument", err)
	}
	if _, err := img.Read(-1, make([]byte, 1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative offset: got %v, want ErrInvalidArgument", err)
	}
	if n, err := img.Read(0, []byte{}); n != 0 || err != nil {
		t.Errorf("empty buffer = (%d, %v), want (0, nil)", n, err)
	}
}

func TestReadAfterClose(t *testing.T) {
	b := newMemBackend(make([]byte, ChunkSize))
	img := openMem(t, b)
	if err := img.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if b.closed != 1 {
		t.Errorf("backend closed %d times, want 1", b.closed)
	}
	if _, err := img.Read(0, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close: got %v, want ErrClosed", err)
	}
}

func TestReadBackendErrors(t *testing.T) {
	data := testutil.RandomBytes(6, testMediaSize)

	t.Run("failure", func(t *testing.T) {
		b := newMemBackend(data)
		b.failAt = 2*ChunkSize + 5
		img := openMem(t, b)

		if _, err := img.Read(0, make([]byte, 100)); err != nil {
			t.Fatalf("read before failure failed: %v", err)
		}
		// The first chunk reads fine; the request still fails as a whole.
		n, err := img.Read(0, make([]byte, 3*ChunkSize))
		if !errors.Is(err, errInjected) {
			t.Errorf("got %v, want injected error", err)
		}
		if n != 0 {
			t.Errorf("Read returned n = %d on failure, want 0", n)
		}
		n, err = img.ReadAt(make([]byte, 2*ChunkSize), ChunkSize)
		if !errors.Is(err, errInjected) || n != 0 {
			t.Errorf("ReadAt = %d, %v; want 0, injected error", n, err)
		}

		// A failed chunk is not cached
		b.failAt = -1
		buf := make([]byte, 10)
		if _, err := img.Read(2*ChunkSize, buf); err != nil {
			t.Fatalf("read after recovery failed: %v", err)
		}
		if !bytes.Equal(buf, data[2*ChunkSize:2*ChunkSize+10]) {
			t.Error("read after recovery returned wrong data")
		}
	})

	t.Run("short", func(t *testing.T) {
		b := newMemBackend(data)
		b.short = true
		img := openMem(t, b)
		if _, err := img.Read(0, make([]byte, 10)); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
		}
	})
}

func TestReadAlignedBackend(t *testing.T) {
	data := testutil.RandomBytes(7, 64*4096)
	b := newMemBackend(data)
	b.sectorSize = 4096
	b.aligned = true

	img := openMem(t, b, WithCache(CacheNone))
	if img.SectorSize() != 4096 {
		t.Fatalf("SectorSize = %d, want backend's 4096", img.SectorSize())
	}

	for _, rc := range []readCall{{100, 50}, {4000, 200}, {8192, 4096}, {int64(len(data)) - 3, 3}} {
		buf := make([]byte, rc.length)
		if _, err := img.Read(rc.off, buf); err != nil {
			t.Fatalf("Read(%d, %d) failed: %v", rc.off, rc.length, err)
		}
		if !bytes.Equal(buf, data[rc.off:rc.off+int64(rc.length)]) {
			t.Errorf("Read(%d, %d) returned wrong data", rc.off, rc.length)
		}
	}

	b.calls = nil
	if _, err := img.Read(4000, make([]byte, 200)); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if last := b.lastCall(); last.off != 0 || last.length != 8192 {
		t.Errorf("backend call = %+v, want widened to {0 8192}", last)
	}
}

func TestBackendSectorSizeValidated(t *testing.T) {
	data := make([]byte, 64*1024)
	for _, ss := range []int{256, 520, -1} {
		b := newMemBackend(data)
		b.sectorSize = ss
		img := openMem(t, b)
		if img.SectorSize() != DefaultSectorSize {
			t.Errorf("backend sector size %d: SectorSize = %d, want %d", ss, img.SectorSize(), DefaultSectorSize)
		}
	}

	b := newMemBackend(data)
	b.sectorSize = 520
	b.aligned = true
	o := defaultImageOptions()
	if _, err := newImage(b, TypeExternal, nil, o); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("aligned backend: got %v, want ErrUnsupportedFormat", err)
	}
	if b.closed != 1 {
		t.Errorf("backend closed %d times, want 1", b.closed)
	}

	// An explicit option still wins over the backend.
	b = newMemBackend(data)
	b.sectorSize = 520
	if img := openMem(t, b, WithSectorSize(4096)); img.SectorSize() != 4096 {
		t.Errorf("SectorSize = %d, want 4096", img.SectorSize())
	}
}

func TestConcurrentReads(t *testing.T) {
	data := testutil.RandomBytes(8, testMediaSize)
	for _, kind := range []CacheKind{CacheLRU, CacheLegacy, CacheNone} {
		t.Run(kind.String(), func(t *testing.T) {
			img := openMem(t, newMemBackend(data), WithCache(kind), WithCacheSize(3))

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < 200; i++ {
						rc := readPattern[(g+i)%len(readPattern)]
						off := (rc.off + int64(g*37+i)) % testMediaSize
						buf := make([]byte, rc.length)
						n, err := img.Read(off, buf)
						if err != nil {
							errs <- err
							return
						}
						if !bytes.Equal(buf[:n], data[off:off+int64(n)]) {
							errs <- errors.New("data mismatch")
							return
						}
					}
				}(g)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent read failed: %v", err)
			}
		})
	}
}

func TestWriterForwarding(t *testing.T) {
	data := testutil.RandomBytes(9, testMediaSize)
	b := newMemBackend(data)
	img := openMem(t, b)

	// Warm the cache; attaching must drop it so the writer sees everything.
	if _, err := img.Read(0, make([]byte, 100)); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	w := &recordingWriter{data: make([]byte, testMediaSize)}
	img.AttachWriter(w)
	if _, err := io.Copy(io.Discard, img.NewReader()); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if !bytes.Equal(w.data, data) {
		t.Error("writer did not receive every byte")
	}
	for _, wr := range w.writes {
		if wr.off%ChunkSize != 0 {
			t.Errorf("forwarded block at %d is not chunk aligned", wr.off)
		}
	}

	// Cached reads forward nothing
	forwarded := len(w.writes)
	if _, err := img.Read(0, make([]byte, 100)); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(w.writes) != forwarded {
		t.Errorf("cache hit forwarded %d blocks", len(w.writes)-forwarded)
	}

	img.AttachWriter(nil)
	if _, err := img.Read(0, make([]byte, 100)); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(w.writes) != forwarded {
		t.Error("detached writer still received data")
	}
}

func TestWriterFailureDoesNotFailRead(t *testing.T) {
	data := testutil.RandomBytes(10, testMediaSize)
	img := openMem(t, newMemBackend(data))
	w := &recordingWriter{data: make([]byte, testMediaSize), err: errors.New("disk full")}
	img.AttachWriter(w)

	buf := make([]byte, 1000)
	if _, err := img.Read(500, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, data[500:1500]) {
		t.Error("Read returned wrong data")
	}
	if len(w.writes) != 1 {
		t.Errorf("writer called %d times, want 1", len(w.writes))
	}
}
