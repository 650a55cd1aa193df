package segment

import (
	"fmt"
	"os"
	"slices"
)

// Discover returns the ordered segment files of the split image that name
// belongs to.
//
// Each grammar from Patterns is tried in turn: segment names are generated
// from index 1 and checked with os.Stat until the first one that is missing.
// The first grammar whose contiguous run contains name wins. When no grammar
// applies, the result is name alone.
func Discover(name string) ([]string, error) {
	if _, err := os.Stat(name); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	for _, p := range Patterns(name) {
		run := p.run()
		if slices.Contains(run, name) {
			return run, nil
		}
	}
	return []string{name}, nil
}

// run returns the contiguous set of existing segments starting at index 1.
func (p Pattern) run() []string {
	var out []string
	for i := 1; ; i++ {
		candidate, err := p.Name(i)
		if err != nil {
			return out
		}
		if _, err := os.Stat(candidate); err != nil {
			return out
		}
		out = append(out, candidate)
	}
}
