package evidence

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"

	"github.com/ehrlich-b/go-evidence/segment"
)

// Open opens an evidence image.
//
// paths usually holds one file: the first segment of a split raw or EWF
// image, a container file, or a directory for logical images. Split raw
// images may also be given as every segment in order.
//
// Without WithType, every format's signature is probed in turn. A single
// match wins, several matches fail with ErrAmbiguousType, and no match
// falls back to raw. A format that recognizes the file but cannot open it
// (ErrCredentials, ErrUnsupportedFormat, I/O errors) stops detection.
func Open(paths []string, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no paths", ErrInvalidArgument)
	}
	if len(paths) > MaxSegments {
		return nil, fmt.Errorf("%w: %d paths", ErrTooManySegments, len(paths))
	}
	if err := validateSectorSize(o.sectorSize); err != nil {
		return nil, err
	}

	norm := make([]string, len(paths))
	for i, p := range paths {
		if p == "" {
			return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
		}
		norm[i] = segment.ConvertPath(p)
	}
	if err := checkPaths(norm); err != nil {
		return nil, err
	}

	var (
		b   Backend
		typ = o.typ
		err error
	)
	switch o.typ {
	case TypeDetect:
		b, typ, err = detect(norm, o)
		if err != nil {
			return nil, err
		}
	case TypeExternal:
		return nil, fmt.Errorf("%w: external images are opened with OpenExternal", ErrInvalidArgument)
	default:
		open, ok := lookupOpener(o.typ)
		if !ok {
			return nil, fmt.Errorf("%w: image type %s", ErrInvalidArgument, o.typ)
		}
		b, err = open(norm, o)
		if err != nil {
			return nil, fmt.Errorf("evidence: open %s as %s: %w", norm[0], o.typ.DisplayName(), err)
		}
	}
	return newImage(b, typ, norm, o)
}

// detect probes every registered format. Backends opened by a probe are
// kept until the outcome is known and closed unless they are the result.
func detect(paths []string, o *imageOptions) (Backend, Type, error) {
	type match struct {
		typ Type
		b   Backend
	}
	var found []match
	closeAll := func() {
		for _, m := range found {
			m.b.Close()
		}
	}

	for _, r := range probeOrder {
		b, err := r.open(paths, o)
		if err != nil {
			if errors.Is(err, ErrWrongType) {
				o.logger.WithError(err).Debug("probe rejected")
				continue
			}
			closeAll()
			return nil, TypeDetect, fmt.Errorf("evidence: %s: %s: %w", paths[0], r.typ.DisplayName(), err)
		}
		o.logger.WithField("type", r.typ.DisplayName()).Debug("probe matched")
		found = append(found, match{r.typ, b})
	}

	switch len(found) {
	case 0:
		b, err := rawOpener(paths, o)
		if err != nil {
			return nil, TypeDetect, fmt.Errorf("%w: %s: %v", ErrUnknownType, paths[0], err)
		}
		return b, TypeRaw, nil
	case 1:
		return found[0].b, found[0].typ, nil
	}

	names := make([]string, len(found))
	for i, m := range found {
		names[i] = m.typ.DisplayName()
	}
	closeAll()
	o.logger.WithFields(log.Fields{"path": paths[0], "types": names}).Warn("ambiguous image type")
	return nil, TypeDetect, fmt.Errorf("%w: %s matches %s", ErrAmbiguousType, paths[0], strings.Join(names, ", "))
}

// External describes an image whose storage is managed by the caller.
type External struct {
	// Size is the media size in bytes.
	Size int64

	// SectorSize is the sector size; 0 selects DefaultSectorSize.
	SectorSize int

	// Read fills p with media bytes starting at off. It is called with
	// ranges inside [0, Size) and must fill p completely.
	Read func(off int64, p []byte) (int, error)

	// Close is called once when the image is closed. Optional.
	Close func() error

	// Describe writes caller-specific details. Optional.
	Describe func(w io.Writer) error

	// Paths is reported by Image.Paths. Optional.
	Paths []string
}

// OpenExternal wraps caller-supplied read and close functions in an Image,
// with the same caching and writer forwarding as file-backed images.
func OpenExternal(ext External, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}
	if ext.Read == nil {
		return nil, fmt.Errorf("%w: external image has no read function", ErrInvalidArgument)
	}
	if ext.Size <= 0 {
		return nil, fmt.Errorf("%w: external image size %d", ErrInvalidArgument, ext.Size)
	}
	if err := validateSectorSize(ext.SectorSize); err != nil {
		return nil, err
	}
	if err := validateSectorSize(o.sectorSize); err != nil {
		return nil, err
	}
	return newImage(&externalBackend{ext: ext}, TypeExternal, ext.Paths, o)
}

// externalBackend adapts External to Backend.
type externalBackend struct {
	ext External
}

func (e *externalBackend) ReadAt(p []byte, off int64) (int, error) {
	return e.ext.Read(off, p)
}

func (e *externalBackend) Close() error {
	if e.ext.Close == nil {
		return nil
	}
	return e.ext.Close()
}

func (e *externalBackend) Size() int64 {
	return e.ext.Size
}

func (e *externalBackend) SectorSize() int {
	return e.ext.SectorSize
}

func (e *externalBackend) Describe(w io.Writer) error {
	if e.ext.Describe == nil {
		return nil
	}
	return e.ext.Describe(w)
}
