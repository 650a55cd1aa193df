package evidence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Velocidex/go-ewf/parser"
)

// EWF on-disk layout
const (
	ewfFileHeaderSize    = 13
	ewfSectionDescSize   = 76
	ewfVolumeMinDataSize = 24
	ewfLRUChunks         = 100
)

var (
	ewfMagic  = []byte("EVF\x09\x0d\x0a\xff\x00")
	ewf2Magic = []byte("EVF2\x0d\x0a\x81\x00")
	lvfMagic  = []byte("LVF\x09\x0d\x0a\xff\x00")
)

// ewfVolume holds the media geometry from the volume (or disk) section.
type ewfVolume struct {
	chunkCount      uint32
	sectorsPerChunk uint32
	bytesPerSector  uint32
	sectorCount     uint64
}

func (v ewfVolume) size() int64 {
	return int64(v.sectorCount) * int64(v.bytesPerSector)
}

type ewfBackend struct {
	mu     sync.Mutex
	files  []*os.File
	ewf    *parser.EWFFile
	volume ewfVolume
}

// openEWF opens an Expert Witness image. A single .E01 path is expanded to
// every segment file of the set.
func openEWF(paths []string, o *imageOptions) (Backend, error) {
	if len(paths) == 0 {
		return nil, wrongType(TypeEWF, "no paths")
	}
	first, _, err := probeFile(TypeEWF, paths[:1], ewfFileHeaderSize)
	if err != nil {
		return nil, err
	}
	switch {
	case matchMagic(first, ewf2Magic):
		first.Close()
		return nil, fmt.Errorf("%w: EWF version 2 segment files", ErrUnsupportedFormat)
	case matchMagic(first, lvfMagic):
		first.Close()
		return nil, fmt.Errorf("%w: EWF logical evidence files", ErrUnsupportedFormat)
	case !matchMagic(first, ewfMagic):
		first.Close()
		return nil, wrongType(TypeEWF, "no EVF signature")
	}

	volume, err := readEWFVolume(first)
	if err != nil {
		first.Close()
		return nil, err
	}

	if len(paths) == 1 {
		paths = ewfSegments(paths[0])
	}
	b := &ewfBackend{files: []*os.File{first}, volume: volume}
	for _, p := range paths[1:] {
		f, err := os.Open(p)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("evidence: open EWF segment: %w", err)
		}
		b.files = append(b.files, f)
	}

	readers := make([]io.ReaderAt, len(b.files))
	for i, f := range b.files {
		readers[i] = f
	}
	b.ewf, err = parser.OpenEWFFile(&parser.EWFOptions{LRUSize: ewfLRUChunks}, readers...)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("evidence: parse EWF: %w", err)
	}
	o.logger.WithField("segments", len(b.files)).Debug("EWF segments opened")
	return b, nil
}

func matchMagic(ra io.ReaderAt, magic []byte) bool {
	ok, _ := hasMagic(ra, 0, magic)
	return ok
}

// ewfSegments lists the segment files belonging to first: same directory,
// same base name and a three character extension that starts with the same
// letter. The result is sorted, so E01..E99 come before EAA.
func ewfSegments(first string) []string {
	dir, base := filepath.Split(first)
	ext := filepath.Ext(base)
	if len(ext) != 4 {
		return []string{first}
	}
	prefix := base[:len(base)-4]
	entries, err := os.ReadDir(filepath.Clean(dir + "."))
	if err != nil {
		return []string{first}
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || len(name) != len(base) {
			continue
		}
		segExt := name[len(prefix):]
		if segExt[0] != '.' || !strings.EqualFold(segExt[1:2], ext[1:2]) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	if len(out) == 0 {
		return []string{first}
	}
	sort.Strings(out)
	return out
}

// readEWFVolume walks the section chain of the first segment until it finds
// the volume or disk section.
func readEWFVolume(ra io.ReaderAt) (ewfVolume, error) {
	off := int64(ewfFileHeaderSize)
	desc := make([]byte, ewfSectionDescSize)
	for i := 0; i < 1024; i++ {
		if err := readFull(ra, desc, off); err != nil {
			return ewfVolume{}, fmt.Errorf("evidence: EWF section at %d: %w", off, err)
		}
		typ := string(bytes.TrimRight(desc[:16], "\x00"))
		next := int64(binary.LittleEndian.Uint64(desc[16:24]))
		size := int64(binary.LittleEndian.Uint64(desc[24:32]))

		if typ == "volume" || typ == "disk" {
			if size-ewfSectionDescSize < ewfVolumeMinDataSize {
				return ewfVolume{}, fmt.Errorf("%w: EWF %s section of %d bytes", ErrUnsupportedFormat, typ, size)
			}
			data := make([]byte, ewfVolumeMinDataSize)
			if err := readFull(ra, data, off+ewfSectionDescSize); err != nil {
				return ewfVolume{}, fmt.Errorf("evidence: EWF volume section: %w", err)
			}
			v := ewfVolume{
				chunkCount:      binary.LittleEndian.Uint32(data[4:8]),
				sectorsPerChunk: binary.LittleEndian.Uint32(data[8:12]),
				bytesPerSector:  binary.LittleEndian.Uint32(data[12:16]),
				sectorCount:     binary.LittleEndian.Uint64(data[16:24]),
			}
			if v.bytesPerSector == 0 || v.sectorCount == 0 {
				return ewfVolume{}, fmt.Errorf("%w: EWF volume has no media", ErrUnsupportedFormat)
			}
			return v, nil
		}
		if typ == "done" || next <= off {
			break
		}
		off = next
	}
	return ewfVolume{}, fmt.Errorf("%w: EWF volume section not found", ErrUnsupportedFormat)
}

func (b *ewfBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ewf.ReadAt(p, off)
}

func (b *ewfBackend) Size() int64 {
	return b.volume.size()
}

func (b *ewfBackend) SectorSize() int {
	return int(b.volume.bytesPerSector)
}

func (b *ewfBackend) Describe(w io.Writer) error {
	_, err := fmt.Fprintf(w, "EWF segments: %d\nChunks: %d\nSectors per chunk: %d\nBytes per sector: %d\nSectors: %d\n",
		len(b.files), b.volume.chunkCount, b.volume.sectorsPerChunk, b.volume.bytesPerSector, b.volume.sectorCount)
	return err
}

func (b *ewfBackend) Close() error {
	var firstErr error
	for _, f := range b.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.files = nil
	return firstErr
}
