package evidence

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// vmdkExtent places one extent reader in the media address space.
type vmdkExtent struct {
	start int64
	size  int64
	kind  extentKind
	name  string
	r     io.ReaderAt
}

// vmdkBackend reads a VMDK made of one or more extents: a monolithic
// sparse file, or a text descriptor listing flat, sparse and zero extents.
type vmdkBackend struct {
	mu         sync.Mutex
	extents    []vmdkExtent
	files      []*os.File
	size       int64
	createType string
}

// openVMDK opens a VMware disk from a sparse extent or a text descriptor.
func openVMDK(paths []string, o *imageOptions) (Backend, error) {
	f, size, err := probeFile(TypeVMDK, paths, int64(len(vmdkMagic)))
	if err != nil {
		return nil, err
	}
	magic := make([]byte, len(vmdkMagic))
	if err := readFull(f, magic, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("evidence: read VMDK signature: %w", err)
	}

	var b *vmdkBackend
	switch {
	case bytes.Equal(magic, vmdkMagic):
		if b, err = openSparseVMDK(f, size); err != nil {
			f.Close()
		}
	case bytes.Equal(magic, vmdkCOWDMagic):
		f.Close()
		err = fmt.Errorf("%w: ESX sparse (COWD) extents", ErrUnsupportedFormat)
	default:
		b, err = openDescriptorVMDK(f, size, o)
		f.Close()
	}
	if err != nil {
		return nil, err
	}
	o.logger.WithField("extents", len(b.extents)).WithField("createType", b.createType).Debug("VMDK opened")
	return b, nil
}

// openSparseVMDK opens a monolithic sparse or streamOptimized file.
func openSparseVMDK(f *os.File, size int64) (*vmdkBackend, error) {
	ext, err := openSparseExtent(f, size)
	if err != nil {
		return nil, err
	}
	createType := "monolithicSparse"
	if ext.header.compressed() {
		createType = "streamOptimized"
	}
	text, err := ext.embeddedDescriptor()
	if err != nil {
		return nil, err
	}
	if text != nil {
		desc, err := parseDescriptor(text)
		if err != nil {
			return nil, err
		}
		if desc.hasParent() {
			return nil, fmt.Errorf("%w: VMDK delta disk with parent %s", ErrUnsupportedFormat, desc.ParentCID)
		}
		if desc.CreateType != "" {
			createType = desc.CreateType
		}
	}
	return &vmdkBackend{
		extents: []vmdkExtent{{
			size: ext.size(),
			kind: extentSparse,
			name: f.Name(),
			r:    ext,
		}},
		files:      []*os.File{f},
		size:       ext.size(),
		createType: createType,
	}, nil
}

// openDescriptorVMDK opens the extents named by a text descriptor. The
// descriptor file itself is not kept open.
func openDescriptorVMDK(f *os.File, size int64, o *imageOptions) (*vmdkBackend, error) {
	if size > vmdkMaxDescriptor {
		return nil, wrongType(TypeVMDK, "no KDMV signature")
	}
	text := make([]byte, size)
	if err := readFull(f, text, 0); err != nil {
		return nil, fmt.Errorf("evidence: read VMDK descriptor: %w", err)
	}
	if !bytes.Contains(text[:min(len(text), 1024)], vmdkDescriptorTag) {
		return nil, wrongType(TypeVMDK, "no KDMV signature or descriptor")
	}
	desc, err := parseDescriptor(text)
	if err != nil {
		return nil, err
	}
	if desc.hasParent() {
		return nil, fmt.Errorf("%w: VMDK delta disk with parent %s", ErrUnsupportedFormat, desc.ParentCID)
	}
	if len(desc.Extents) == 0 {
		return nil, fmt.Errorf("%w: VMDK descriptor lists no extents", ErrUnsupportedFormat)
	}

	b := &vmdkBackend{createType: desc.CreateType}
	dir := filepath.Dir(f.Name())
	for _, line := range desc.Extents {
		ext := vmdkExtent{
			start: b.size,
			size:  line.Sectors * 512,
			kind:  line.Kind,
			name:  line.File,
		}
		if line.Kind == extentZero {
			ext.r = zeroExtent{}
		} else {
			path := line.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			ef, err := os.Open(path)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("evidence: open VMDK extent: %w", err)
			}
			b.files = append(b.files, ef)
			adviseRandom(ef)

			if line.Kind == extentSparse {
				fi, err := ef.Stat()
				if err != nil {
					b.Close()
					return nil, fmt.Errorf("evidence: %w", err)
				}
				sparse, err := openSparseExtent(ef, fi.Size())
				if err != nil {
					b.Close()
					return nil, fmt.Errorf("VMDK extent %s: %w", line.File, err)
				}
				ext.r = sparse
			} else {
				ext.r = &flatExtent{f: ef, base: line.Offset * 512}
			}
		}
		b.extents = append(b.extents, ext)
		b.size += ext.size
		o.logger.WithField("extent", line.File).WithField("kind", string(line.Kind)).Debug("VMDK extent")
	}
	return b, nil
}

func (b *vmdkBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for len(p) > 0 {
		i := sort.Search(len(b.extents), func(i int) bool {
			return b.extents[i].start+b.extents[i].size > off
		})
		if i == len(b.extents) {
			return n, io.EOF
		}
		ext := b.extents[i]
		rel := off - ext.start
		toRead := min(ext.size-rel, int64(len(p)))
		if _, err := ext.r.ReadAt(p[:toRead], rel); err != nil {
			return n, err
		}
		n += int(toRead)
		p = p[toRead:]
		off += toRead
	}
	return n, nil
}

func (b *vmdkBackend) Size() int64 {
	return b.size
}

func (b *vmdkBackend) SectorSize() int {
	return 0
}

func (b *vmdkBackend) Describe(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "VMDK create type: %s\nExtents: %d\n", b.createType, len(b.extents)); err != nil {
		return err
	}
	for _, ext := range b.extents {
		if _, err := fmt.Fprintf(w, "  %s %s: %d-%d\n", ext.kind, ext.name, ext.start, ext.start+ext.size-1); err != nil {
			return err
		}
	}
	return nil
}

func (b *vmdkBackend) Close() error {
	var firstErr error
	for _, f := range b.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.files = nil
	return firstErr
}
