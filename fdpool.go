package evidence

import (
	"os"
	"sync"
)

// fdPool is a reference-counted LRU of open segment files.
// Only maxOpen files stay open between reads; files still in use when they
// are evicted are closed by their last release.
type fdPool struct {
	mu      sync.Locker
	own     sync.Mutex
	entries map[int]*fdEntry
	head    *fdEntry // Most recently used
	tail    *fdEntry // Least recently used
	maxOpen int
	open    func(idx int) (*os.File, error)
}

type fdEntry struct {
	idx     int
	file    *os.File
	refs    int
	evicted bool
	prev    *fdEntry
	next    *fdEntry
}

// newFDPool creates a pool that opens segment idx with open.
func newFDPool(maxOpen int, open func(idx int) (*os.File, error)) *fdPool {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenSegments
	}
	p := &fdPool{
		entries: make(map[int]*fdEntry),
		maxOpen: maxOpen,
		open:    open,
	}
	p.mu = &p.own
	return p
}

// useLock makes the pool share l instead of its own mutex.
// Must be called before the first acquire.
func (p *fdPool) useLock(l sync.Locker) {
	p.mu = l
}

// acquire returns an open entry for segment idx with its reference count
// raised. Files are opened without holding the lock.
func (p *fdPool) acquire(idx int) (*fdEntry, error) {
	p.mu.Lock()
	if e, ok := p.entries[idx]; ok {
		p.moveToFront(e)
		e.refs++
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	f, err := p.open(idx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if e, ok := p.entries[idx]; ok {
		// Another reader opened it first
		p.moveToFront(e)
		e.refs++
		p.mu.Unlock()
		f.Close()
		return e, nil
	}
	e := &fdEntry{idx: idx, file: f, refs: 1}
	p.addToFront(e)
	p.entries[idx] = e
	var closing []*os.File
	for len(p.entries) > p.maxOpen {
		if victim := p.evictLRU(); victim != nil {
			closing = append(closing, victim)
		}
	}
	p.mu.Unlock()

	for _, vf := range closing {
		vf.Close()
	}
	return e, nil
}

// release drops a reference taken by acquire.
func (p *fdPool) release(e *fdEntry) {
	p.mu.Lock()
	e.refs--
	closeNow := e.evicted && e.refs == 0
	p.mu.Unlock()
	if closeNow {
		e.file.Close()
	}
}

// openCount returns the number of files held by the pool.
func (p *fdPool) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// closeAll closes every pooled file. In-flight readers close theirs on
// release.
func (p *fdPool) closeAll() error {
	p.mu.Lock()
	var closing []*os.File
	for p.tail != nil {
		if f := p.evictLRU(); f != nil {
			closing = append(closing, f)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, f := range closing {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// moveToFront moves an entry to the front of the LRU list.
func (p *fdPool) moveToFront(e *fdEntry) {
	if e == p.head {
		return
	}
	p.removeEntry(e)
	p.addToFront(e)
}

// addToFront adds an entry to the front of the LRU list.
func (p *fdPool) addToFront(e *fdEntry) {
	e.prev = nil
	e.next = p.head
	if p.head != nil {
		p.head.prev = e
	}
	p.head = e
	if p.tail == nil {
		p.tail = e
	}
}

// removeEntry removes an entry from the LRU list.
func (p *fdPool) removeEntry(e *fdEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		p.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		p.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// evictLRU removes the least recently used entry. It returns the file to
// close, or nil when a reader still holds it.
func (p *fdPool) evictLRU() *os.File {
	e := p.tail
	if e == nil {
		return nil
	}
	p.removeEntry(e)
	delete(p.entries, e.idx)
	e.evicted = true
	if e.refs > 0 {
		return nil
	}
	return e.file
}
