package segment

import (
	"fmt"
	"sort"
)

// List partitions a logical image across ordered segment files.
// ends[i] is the cumulative logical offset one past the last byte of
// segment i, so offset o is in segment i iff ends[i-1] <= o < ends[i].
type List struct {
	paths []string
	ends  []int64
}

// NewList builds a segment list from paths and their sizes.
func NewList(paths []string, sizes []int64) (*List, error) {
	if len(paths) == 0 || len(paths) != len(sizes) {
		return nil, fmt.Errorf("segment: %d paths for %d sizes", len(paths), len(sizes))
	}
	l := &List{
		paths: append([]string(nil), paths...),
		ends:  make([]int64, len(sizes)),
	}
	var end int64
	for i, sz := range sizes {
		if sz <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptySegment, paths[i])
		}
		end += sz
		l.ends[i] = end
	}
	return l, nil
}

// Len returns the number of segments.
func (l *List) Len() int { return len(l.paths) }

// Size returns the total logical size.
func (l *List) Size() int64 { return l.ends[len(l.ends)-1] }

// Path returns the file name of segment i.
func (l *List) Path(i int) string { return l.paths[i] }

// Paths returns a copy of all segment file names.
func (l *List) Paths() []string { return append([]string(nil), l.paths...) }

// Bounds returns the logical start and end offsets of segment i.
func (l *List) Bounds(i int) (start, end int64) {
	if i > 0 {
		start = l.ends[i-1]
	}
	return start, l.ends[i]
}

// Locate maps a logical offset to a segment index and the offset within
// that segment. ok is false when off is outside the image.
func (l *List) Locate(off int64) (idx int, rel int64, ok bool) {
	if off < 0 || off >= l.Size() {
		return 0, 0, false
	}
	idx = sort.Search(len(l.ends), func(i int) bool { return l.ends[i] > off })
	start, _ := l.Bounds(idx)
	return idx, off - start, true
}
