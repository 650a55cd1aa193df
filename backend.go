package evidence

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Backend is the format-specific part of an image. It exposes the decoded
// content of the container as a flat byte range.
//
// ReadAt is only ever called with ranges inside [0, Size()), and must fill
// the whole buffer. Backends serialize their own state; the image never
// holds its cache lock while calling into a backend.
type Backend interface {
	io.ReaderAt
	io.Closer

	// Size returns the media size in bytes.
	Size() int64

	// SectorSize returns the backend's native sector size, or 0 to use the
	// default.
	SectorSize() int

	// Describe writes format-specific details, one "Name: value" per line.
	Describe(w io.Writer) error
}

// AlignedReader is implemented by backends that can only be read at sector
// boundaries. Uncached reads are widened to whole sectors before they reach
// such a backend.
type AlignedReader interface {
	AlignedReads() bool
}

// lockSharer is implemented by backends that protect internal pools with
// the image's cache lock.
type lockSharer interface {
	useLock(l sync.Locker)
}

// openFunc opens paths as one specific format. It returns an error wrapping
// ErrWrongType when the signature does not match.
type openFunc func(paths []string, o *imageOptions) (Backend, error)

type registration struct {
	typ  Type
	open openFunc
}

// probeOrder lists the formats tried by detection, in order. Raw is not in
// the list; it is the fallback when nothing else matches.
var probeOrder = []registration{
	{TypeEWF, openEWF},
	{TypeAFF, openAFF},
	{TypeAFF4, openAFF4},
	{TypeQCOW, openQCOW},
	{TypeVMDK, openVMDK},
	{TypeVHD, openVHD},
	{TypeLUKS, openLUKS},
	{TypeLogical, openLogical},
}

// rawOpener opens raw images, both when declared and as the detection
// fallback.
var rawOpener openFunc = openRaw

// lookupOpener returns the opener for a declared type.
func lookupOpener(t Type) (openFunc, bool) {
	if t == TypeRaw {
		return rawOpener, true
	}
	for _, r := range probeOrder {
		if r.typ == t {
			return r.open, true
		}
	}
	return nil, false
}

// wrongType builds a probe rejection.
func wrongType(t Type, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrWrongType, t.DisplayName(), fmt.Sprintf(format, args...))
}

// checkPaths makes sure every path can be opened before any format is
// tried, so that I/O errors are not reported against a format.
func checkPaths(paths []string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("evidence: %w", err)
		}
		f.Close()
	}
	return nil
}

// probeFile opens the single regular file a probe inspects. Probes of
// formats that do not span multiple files reject other path lists.
func probeFile(t Type, paths []string, minSize int64) (*os.File, int64, error) {
	if len(paths) != 1 {
		return nil, 0, wrongType(t, "%d paths given", len(paths))
	}
	fi, err := os.Stat(paths[0])
	if err != nil {
		return nil, 0, fmt.Errorf("evidence: %w", err)
	}
	if fi.IsDir() {
		return nil, 0, wrongType(t, "%s is a directory", paths[0])
	}
	f, err := os.Open(paths[0])
	if err != nil {
		return nil, 0, fmt.Errorf("evidence: %w", err)
	}
	size, err := fileSize(f, fi)
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if size < minSize {
		f.Close()
		return nil, 0, wrongType(t, "%d bytes is too small", size)
	}
	return f, size, nil
}

// fileSize returns the size of a regular file or block device.
func fileSize(f *os.File, fi os.FileInfo) (int64, error) {
	if fi.Mode().IsRegular() {
		return fi.Size(), nil
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("evidence: size of %s: %w", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("evidence: rewind %s: %w", f.Name(), err)
	}
	return size, nil
}

// hasMagic reports whether ra holds magic at off.
func hasMagic(ra io.ReaderAt, off int64, magic []byte) (bool, error) {
	buf := make([]byte, len(magic))
	n, err := ra.ReadAt(buf, off)
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("evidence: read signature: %w", err)
	}
	return bytes.Equal(buf, magic), nil
}

// readFull reads len(p) bytes at off, treating a short read as an error.
func readFull(ra io.ReaderAt, p []byte, off int64) error {
	n, err := ra.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}
