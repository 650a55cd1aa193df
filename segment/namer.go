// Package segment discovers the sibling files of a split evidence image and
// maps logical offsets onto them.
package segment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Errors
var (
	ErrNotFound          = errors.New("segment: first segment not found")
	ErrUnsupportedLength = errors.New("segment: segment index exceeds naming width")
	ErrEmptySegment      = errors.New("segment: segment has zero length")
)

// Grammar identifies a segment naming convention.
type Grammar int

const (
	GrammarNumeric3 Grammar = iota + 1
	GrammarNumeric2
	GrammarAlpha3
	GrammarAlpha2
	GrammarDMG
	GrammarBin
)

func (g Grammar) String() string {
	switch g {
	case GrammarNumeric3:
		return "numeric3"
	case GrammarNumeric2:
		return "numeric2"
	case GrammarAlpha3:
		return "alpha3"
	case GrammarAlpha2:
		return "alpha2"
	case GrammarDMG:
		return "dmg"
	case GrammarBin:
		return "bin"
	}
	return "none"
}

// Pattern renders the name of segment i (1-based) for one grammar.
type Pattern struct {
	Grammar Grammar

	// prefix is everything before the counter, including the separator.
	prefix string
	// first is the unmodified first-segment name (dmg and bin grammars).
	first string
	width int
	// zeroBased numeric patterns render index i-1.
	zeroBased bool
	// upper holds the case of each alphabetic counter position.
	upper []bool
}

// Name returns the candidate name for segment i, starting at 1.
func (p Pattern) Name(i int) (string, error) {
	if i < 1 {
		return "", fmt.Errorf("segment: invalid index %d", i)
	}
	switch p.Grammar {
	case GrammarNumeric3, GrammarNumeric2:
		n := i
		if p.zeroBased {
			n = i - 1
		}
		digits := fmt.Sprintf("%0*d", p.width, n)
		if len(digits) > p.width {
			return "", fmt.Errorf("%w: %d", ErrUnsupportedLength, i)
		}
		return p.prefix + digits, nil

	case GrammarAlpha3, GrammarAlpha2:
		v := i - 1
		buf := make([]byte, p.width)
		for pos := p.width - 1; pos >= 0; pos-- {
			c := byte('a')
			if p.upper[pos] {
				c = 'A'
			}
			buf[pos] = c + byte(v%26)
			v /= 26
		}
		if v != 0 {
			return "", fmt.Errorf("%w: %d", ErrUnsupportedLength, i)
		}
		return p.prefix + string(buf), nil

	case GrammarDMG:
		if i == 1 {
			return p.first, nil
		}
		if i > 999 {
			return "", fmt.Errorf("%w: %d", ErrUnsupportedLength, i)
		}
		return fmt.Sprintf("%s%03d.dmgpart", p.prefix, i), nil

	case GrammarBin:
		if i == 1 {
			return p.first, nil
		}
		return p.prefix + "(" + strconv.Itoa(i) + ").bin", nil
	}
	return "", fmt.Errorf("segment: unknown grammar %d", p.Grammar)
}

// Patterns returns every grammar the name could belong to, in precedence
// order. Discovery takes the first one whose run of existing files contains
// the name.
func Patterns(name string) []Pattern {
	var out []Pattern
	base := filepath.Base(name)

	for _, w := range []struct {
		g     Grammar
		width int
	}{{GrammarNumeric3, 3}, {GrammarNumeric2, 2}} {
		digits, prefix, ok := numericSuffix(name, base, w.width)
		if !ok {
			continue
		}
		one := Pattern{Grammar: w.g, prefix: prefix, width: w.width}
		zero := Pattern{Grammar: w.g, prefix: prefix, width: w.width, zeroBased: true}
		switch {
		case strings.Trim(digits, "0") == "":
			out = append(out, zero)
		case strings.TrimLeft(digits, "0") == "1":
			out = append(out, one)
		default:
			// A middle segment: a zero-based run is the longer one if
			// both exist.
			out = append(out, zero, one)
		}
	}

	for _, w := range []struct {
		g     Grammar
		width int
	}{{GrammarAlpha3, 3}, {GrammarAlpha2, 2}} {
		letters, prefix, ok := alphaSuffix(name, base, w.width)
		if !ok {
			continue
		}
		upper := make([]bool, w.width)
		for i := 0; i < w.width; i++ {
			upper[i] = letters[i] >= 'A' && letters[i] <= 'Z'
		}
		out = append(out, Pattern{Grammar: w.g, prefix: prefix, width: w.width, upper: upper})
	}

	if ext := filepath.Ext(base); ext != "" && len(base) > len(ext) {
		switch strings.ToLower(ext) {
		case ".dmg":
			out = append(out, Pattern{Grammar: GrammarDMG, prefix: strings.TrimSuffix(name, ext), first: name})
		case ".bin":
			out = append(out, Pattern{Grammar: GrammarBin, prefix: strings.TrimSuffix(name, ext), first: name})
		}
	}
	return out
}

// numericSuffix matches a '.' or '_' followed by exactly width digits at the
// end of the file name.
func numericSuffix(name, base string, width int) (digits, prefix string, ok bool) {
	if len(base) < width+2 {
		return "", "", false
	}
	tail := base[len(base)-width-1:]
	if tail[0] != '.' && tail[0] != '_' {
		return "", "", false
	}
	for i := 1; i < len(tail); i++ {
		if tail[i] < '0' || tail[i] > '9' {
			return "", "", false
		}
	}
	return tail[1:], name[:len(name)-width], true
}

// alphaSuffix matches a '.', '_' or 'x' followed by exactly width letters at
// the end of the file name.
func alphaSuffix(name, base string, width int) (letters, prefix string, ok bool) {
	if len(base) < width+2 {
		return "", "", false
	}
	tail := base[len(base)-width-1:]
	if tail[0] != '.' && tail[0] != '_' && tail[0] != 'x' {
		return "", "", false
	}
	for i := 1; i < len(tail); i++ {
		c := tail[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return "", "", false
		}
	}
	return tail[1:], name[:len(name)-width], true
}
