// Package evidence presents forensic disk images of many container formats
// as one random-access byte stream.
//
// Open resolves the format (declared or detected), the split segments of raw
// images, and attaches a chunk cache. Every read goes through the cache
// before reaching the format backend.
package evidence

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ehrlich-b/go-evidence/cache"
)

// DefaultSectorSize is the sector size used when none is given.
const DefaultSectorSize = 512

// ChunkSize is the granularity of cached reads.
const ChunkSize = cache.ChunkSize

// MaxSegments bounds the number of files a split image may have.
const MaxSegments = 1 << 16

// Errors
var (
	ErrInvalidArgument   = errors.New("evidence: invalid argument")
	ErrInvalidSectorSize = errors.New("evidence: sector size must be 0 or a multiple of 512")
	ErrOffsetOutOfRange  = errors.New("evidence: offset out of range")
	ErrClosed            = errors.New("evidence: image is closed")

	// ErrWrongType is returned by a backend whose signature check rejects
	// the file. Detection treats it as "not this format" and keeps probing.
	ErrWrongType = errors.New("evidence: not an image of this type")

	ErrUnknownType       = errors.New("evidence: unable to determine image type")
	ErrAmbiguousType     = errors.New("evidence: ambiguous image type")
	ErrUnsupportedFormat = errors.New("evidence: unsupported format feature")

	// ErrCredentials is returned when a recognized container needs a
	// password that was missing or wrong. It stops detection.
	ErrCredentials = errors.New("evidence: missing or wrong credentials")

	ErrTooManySegments = errors.New("evidence: too many segment files")
)

// Type identifies an image container format.
type Type int

const (
	TypeDetect Type = iota
	TypeRaw
	TypeEWF
	TypeAFF
	TypeAFF4
	TypeQCOW
	TypeVMDK
	TypeVHD
	TypeLUKS
	TypeLogical
	TypeExternal
)

type typeInfo struct {
	typ         Type
	name        string
	display     string
	description string
}

var typeTable = []typeInfo{
	{TypeDetect, "detect", "Detect", "Auto-detect the image type"},
	{TypeRaw, "raw", "Raw", "Single or split raw file (dd)"},
	{TypeEWF, "ewf", "EWF", "Expert Witness Format (EnCase)"},
	{TypeAFF, "aff", "AFF", "Advanced Forensic Format"},
	{TypeAFF4, "aff4", "AFF4", "Advanced Forensic Format 4"},
	{TypeQCOW, "qcow", "QCOW", "QEMU copy-on-write image"},
	{TypeVMDK, "vmdk", "VMDK", "VMware Virtual Machine Disk"},
	{TypeVHD, "vhd", "VHD", "Microsoft Virtual Hard Disk"},
	{TypeLUKS, "luks", "LUKS", "Linux Unified Key Setup encrypted volume"},
	{TypeLogical, "logical", "Logical", "Logical directory"},
	{TypeExternal, "external", "External", "Externally managed image"},
}

// typeAliases are accepted by ParseType in addition to the canonical names.
var typeAliases = map[string]Type{
	"auto":  TypeDetect,
	"dd":    TypeRaw,
	"split": TypeRaw,
	"e01":   TypeEWF,
	"qcow2": TypeQCOW,
	"vpc":   TypeVHD,
	"dir":   TypeLogical,
}

func (t Type) info() (typeInfo, bool) {
	for _, ti := range typeTable {
		if ti.typ == t {
			return ti, true
		}
	}
	return typeInfo{}, false
}

// String returns the type's command-line name.
func (t Type) String() string {
	if ti, ok := t.info(); ok {
		return ti.name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// DisplayName returns the name used in messages, e.g. "VMDK".
func (t Type) DisplayName() string {
	if ti, ok := t.info(); ok {
		return ti.display
	}
	return t.String()
}

// Description returns a one-line description of the type.
func (t Type) Description() string {
	ti, _ := t.info()
	return ti.description
}

// ParseType converts a command-line name to a Type. Matching is case
// insensitive.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, ti := range typeTable {
		if ti.name == name {
			return ti.typ, nil
		}
	}
	if t, ok := typeAliases[name]; ok {
		return t, nil
	}
	return TypeDetect, fmt.Errorf("%w: unknown image type %q", ErrInvalidArgument, name)
}

// SupportedTypes returns every type that Open accepts as a declared type.
func SupportedTypes() []Type {
	var out []Type
	for _, ti := range typeTable {
		if ti.typ != TypeDetect && ti.typ != TypeExternal {
			out = append(out, ti.typ)
		}
	}
	return out
}

// PrintTypes writes the supported type names and descriptions to w.
func PrintTypes(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "Supported image format types:"); err != nil {
		return err
	}
	for _, t := range SupportedTypes() {
		if _, err := fmt.Fprintf(w, "\t%-8s (%s)\n", t, t.Description()); err != nil {
			return err
		}
	}
	return nil
}

// validateSectorSize accepts 0 (use the default) or a multiple of 512.
func validateSectorSize(size int) error {
	if size == 0 {
		return nil
	}
	if size < DefaultSectorSize || size%DefaultSectorSize != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSectorSize, size)
	}
	return nil
}
