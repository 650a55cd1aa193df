package evidence

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/ehrlich-b/go-evidence/testutil"
)

func isClosed(f *os.File) bool {
	_, err := f.Stat()
	return errors.Is(err, os.ErrClosed)
}

func newTestPool(t *testing.T, n, maxOpen int) (*fdPool, *int) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = testutil.WriteFile(t, dir, fmt.Sprintf("seg%d", i), []byte{byte(i)})
	}
	opens := 0
	var mu sync.Mutex
	p := newFDPool(maxOpen, func(idx int) (*os.File, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		return os.Open(paths[idx])
	})
	t.Cleanup(func() { p.closeAll() })
	return p, &opens
}

func TestFDPoolEviction(t *testing.T) {
	p, opens := newTestPool(t, 3, 2)

	e0, err := p.acquire(0)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	p.release(e0)
	e1, _ := p.acquire(1)
	p.release(e1)

	// Touch 0 so that 1 is least recently used.
	e0, _ = p.acquire(0)
	p.release(e0)
	e2, _ := p.acquire(2)
	p.release(e2)

	if p.openCount() != 2 {
		t.Errorf("openCount = %d, want 2", p.openCount())
	}
	if !isClosed(e1.file) {
		t.Error("least recently used file was not closed")
	}
	if isClosed(e0.file) || isClosed(e2.file) {
		t.Error("recently used file was closed")
	}
	if *opens != 3 {
		t.Errorf("opened %d files, want 3", *opens)
	}

	// A pooled file is reused.
	e0, _ = p.acquire(0)
	p.release(e0)
	if *opens != 3 {
		t.Errorf("opened %d files after a hit, want 3", *opens)
	}
}

func TestFDPoolEvictInUse(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)

	held, err := p.acquire(0)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	e1, err := p.acquire(1)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer p.release(e1)

	if isClosed(held.file) {
		t.Fatal("evicted file closed while still in use")
	}
	buf := make([]byte, 1)
	if _, err := held.file.ReadAt(buf, 0); err != nil || buf[0] != 0 {
		t.Fatalf("read from evicted file = %v, %v", buf, err)
	}

	p.release(held)
	if !isClosed(held.file) {
		t.Error("evicted file not closed by its last release")
	}
}

func TestFDPoolCloseAll(t *testing.T) {
	p, _ := newTestPool(t, 3, 3)
	var entries []*fdEntry
	for i := 0; i < 3; i++ {
		e, err := p.acquire(i)
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		entries = append(entries, e)
	}
	p.release(entries[0])
	p.release(entries[1])

	if err := p.closeAll(); err != nil {
		t.Fatalf("closeAll failed: %v", err)
	}
	if p.openCount() != 0 {
		t.Errorf("openCount = %d, want 0", p.openCount())
	}
	if !isClosed(entries[0].file) || !isClosed(entries[1].file) {
		t.Error("idle files not closed")
	}
	if isClosed(entries[2].file) {
		t.Error("in-use file closed by closeAll")
	}
	p.release(entries[2])
	if !isClosed(entries[2].file) {
		t.Error("in-use file not closed on release")
	}
}

func TestFDPoolOpenError(t *testing.T) {
	p := newFDPool(2, func(idx int) (*os.File, error) {
		return nil, fmt.Errorf("segment %d: %w", idx, os.ErrNotExist)
	})
	if _, err := p.acquire(0); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
	if p.openCount() != 0 {
		t.Errorf("openCount = %d, want 0", p.openCount())
	}
}
