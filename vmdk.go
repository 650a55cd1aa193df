package evidence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// VMDK sparse extent constants
const (
	vmdkHeaderSize      = 512
	vmdkFooterOffset    = 1024 // footer header, counted back from end of file
	vmdkGDAtEnd         = ^uint64(0)
	vmdkFlagCompressed  = 1 << 16
	vmdkCompressDeflate = 1
	vmdkMaxGrainSize    = 128 * 1024 * 2 // sectors, 128MB
	vmdkMaxGTEs         = 1 << 20
	vmdkMaxDescriptor   = 1 << 20
	vmdkGTCacheSize     = 64
	vmdkGrainCacheSize  = 32
)

var (
	vmdkMagic         = []byte("KDMV")
	vmdkCOWDMagic     = []byte("COWD")
	vmdkDescriptorTag = []byte("# Disk DescriptorFile")
)

// sparseHeader is the header of a hosted sparse extent (little-endian).
type sparseHeader struct {
	Version           uint32
	Flags             uint32
	Capacity          uint64 // sectors
	GrainSize         uint64 // sectors
	DescriptorOffset  uint64 // sectors
	DescriptorSize    uint64 // sectors
	NumGTEsPerGT      uint32
	RGDOffset         uint64 // sectors
	GDOffset          uint64 // sectors
	Overhead          uint64 // sectors
	CompressAlgorithm uint16
}

// parseSparseHeader decodes a sparse extent header.
func parseSparseHeader(data []byte) (*sparseHeader, error) {
	if len(data) < vmdkHeaderSize {
		return nil, fmt.Errorf("%w: VMDK header too small", ErrUnsupportedFormat)
	}
	if !bytes.Equal(data[0:4], vmdkMagic) {
		return nil, fmt.Errorf("%w: no KDMV signature", ErrWrongType)
	}
	h := &sparseHeader{
		Version:           binary.LittleEndian.Uint32(data[4:8]),
		Flags:             binary.LittleEndian.Uint32(data[8:12]),
		Capacity:          binary.LittleEndian.Uint64(data[12:20]),
		GrainSize:         binary.LittleEndian.Uint64(data[20:28]),
		DescriptorOffset:  binary.LittleEndian.Uint64(data[28:36]),
		DescriptorSize:    binary.LittleEndian.Uint64(data[36:44]),
		NumGTEsPerGT:      binary.LittleEndian.Uint32(data[44:48]),
		RGDOffset:         binary.LittleEndian.Uint64(data[48:56]),
		GDOffset:          binary.LittleEndian.Uint64(data[56:64]),
		Overhead:          binary.LittleEndian.Uint64(data[64:72]),
		CompressAlgorithm: binary.LittleEndian.Uint16(data[77:79]),
	}
	return h, nil
}

// validate checks the fields the reader depends on.
func (h *sparseHeader) validate() error {
	if h.Version < 1 || h.Version > 3 {
		return fmt.Errorf("%w: VMDK sparse version %d", ErrUnsupportedFormat, h.Version)
	}
	if h.GrainSize == 0 || h.GrainSize > vmdkMaxGrainSize || h.GrainSize&(h.GrainSize-1) != 0 {
		return fmt.Errorf("%w: VMDK grain size %d sectors", ErrUnsupportedFormat, h.GrainSize)
	}
	if h.NumGTEsPerGT == 0 || h.NumGTEsPerGT > vmdkMaxGTEs {
		return fmt.Errorf("%w: VMDK %d entries per grain table", ErrUnsupportedFormat, h.NumGTEsPerGT)
	}
	if h.Capacity == 0 {
		return fmt.Errorf("%w: VMDK capacity is zero", ErrUnsupportedFormat)
	}
	if h.compressed() && h.CompressAlgorithm != vmdkCompressDeflate {
		return fmt.Errorf("%w: VMDK compression algorithm %d", ErrUnsupportedFormat, h.CompressAlgorithm)
	}
	return nil
}

func (h *sparseHeader) compressed() bool {
	return h.Flags&vmdkFlagCompressed != 0
}

// numGDEs returns the number of grain directory entries needed to cover
// the capacity.
func (h *sparseHeader) numGDEs() uint64 {
	span := h.GrainSize * uint64(h.NumGTEsPerGT)
	return (h.Capacity + span - 1) / span
}

// sparseExtent reads a hosted sparse (KDMV) extent. Unallocated grains
// read as zeros. Callers serialize access.
type sparseExtent struct {
	ra         io.ReaderAt
	header     *sparseHeader
	gd         []uint32
	grainBytes int64
	gtCache    *grainCache
	grains     *grainCache
}

// openSparseExtent parses the header (or the footer, for streamOptimized
// extents that write it last) and loads the grain directory.
func openSparseExtent(ra io.ReaderAt, fileSize int64) (*sparseExtent, error) {
	buf := make([]byte, vmdkHeaderSize)
	if err := readFull(ra, buf, 0); err != nil {
		return nil, fmt.Errorf("evidence: read VMDK header: %w", err)
	}
	h, err := parseSparseHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.GDOffset == vmdkGDAtEnd {
		if fileSize < vmdkHeaderSize+vmdkFooterOffset {
			return nil, fmt.Errorf("%w: VMDK footer missing", ErrUnsupportedFormat)
		}
		if err := readFull(ra, buf, fileSize-vmdkFooterOffset); err != nil {
			return nil, fmt.Errorf("evidence: read VMDK footer: %w", err)
		}
		if h, err = parseSparseHeader(buf); err != nil {
			return nil, fmt.Errorf("%w: VMDK footer: %v", ErrUnsupportedFormat, err)
		}
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	gdSector := h.GDOffset
	if gdSector == 0 || gdSector == vmdkGDAtEnd {
		gdSector = h.RGDOffset
	}
	if gdSector == 0 || int64(gdSector)*512 >= fileSize {
		return nil, fmt.Errorf("%w: VMDK grain directory at sector %d", ErrUnsupportedFormat, gdSector)
	}
	n := h.numGDEs()
	if n*4 > uint64(fileSize) {
		return nil, fmt.Errorf("%w: VMDK grain directory of %d entries in %d byte file", ErrUnsupportedFormat, n, fileSize)
	}
	raw := make([]byte, n*4)
	if err := readFull(ra, raw, int64(gdSector)*512); err != nil {
		return nil, fmt.Errorf("evidence: read VMDK grain directory: %w", err)
	}
	gd := make([]uint32, n)
	for i := range gd {
		gd[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}

	return &sparseExtent{
		ra:         ra,
		header:     h,
		gd:         gd,
		grainBytes: int64(h.GrainSize) * 512,
		gtCache:    newGrainCache(vmdkGTCacheSize),
		grains:     newGrainCache(vmdkGrainCacheSize),
	}, nil
}

// size returns the extent capacity in bytes.
func (e *sparseExtent) size() int64 {
	return int64(e.header.Capacity) * 512
}

// grainTable returns the raw grain table at sector gtSector.
func (e *sparseExtent) grainTable(gtSector uint32) ([]byte, error) {
	off := int64(gtSector) * 512
	if gt, ok := e.gtCache.get(off); ok {
		return gt, nil
	}
	gt := make([]byte, int(e.header.NumGTEsPerGT)*4)
	if err := readFull(e.ra, gt, off); err != nil {
		return nil, fmt.Errorf("evidence: read VMDK grain table at sector %d: %w", gtSector, err)
	}
	e.gtCache.put(off, gt)
	return gt, nil
}

// grainSector returns the file sector of the grain covering off, or 0 when
// the grain is not allocated.
func (e *sparseExtent) grainSector(off int64) (uint32, error) {
	grain := uint64(off / e.grainBytes)
	gdIdx := grain / uint64(e.header.NumGTEsPerGT)
	gtIdx := grain % uint64(e.header.NumGTEsPerGT)
	if gdIdx >= uint64(len(e.gd)) || e.gd[gdIdx] == 0 {
		return 0, nil
	}
	gt, err := e.grainTable(e.gd[gdIdx])
	if err != nil {
		return 0, err
	}
	sector := binary.LittleEndian.Uint32(gt[gtIdx*4:])
	if sector == 1 {
		// zeroed grain (version 2 and later)
		return 0, nil
	}
	return sector, nil
}

func (e *sparseExtent) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for len(p) > 0 {
		within := off % e.grainBytes
		toRead := min(e.grainBytes-within, int64(len(p)))

		sector, err := e.grainSector(off)
		if err != nil {
			return n, err
		}
		switch {
		case sector == 0:
			clear(p[:toRead])
		case e.header.compressed():
			fileOff := int64(sector) * 512
			grain, ok := e.grains.get(fileOff)
			if !ok {
				grain, err = decompressGrain(e.ra, fileOff, int(e.grainBytes))
				if err != nil {
					return n, err
				}
				e.grains.put(fileOff, grain)
			}
			copy(p[:toRead], grain[within:within+toRead])
		default:
			if err := readFull(e.ra, p[:toRead], int64(sector)*512+within); err != nil {
				return n, fmt.Errorf("evidence: read VMDK grain at sector %d: %w", sector, err)
			}
		}

		n += int(toRead)
		p = p[toRead:]
		off += toRead
	}
	return n, nil
}

// embeddedDescriptor returns the text descriptor stored inside a sparse
// extent, or nil when there is none.
func (e *sparseExtent) embeddedDescriptor() ([]byte, error) {
	h := e.header
	if h.DescriptorOffset == 0 || h.DescriptorSize == 0 || h.DescriptorSize*512 > vmdkMaxDescriptor {
		return nil, nil
	}
	buf := make([]byte, h.DescriptorSize*512)
	if err := readFull(e.ra, buf, int64(h.DescriptorOffset)*512); err != nil {
		return nil, fmt.Errorf("evidence: read VMDK descriptor: %w", err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return buf, nil
}

// extentKind is the type column of a descriptor extent line.
type extentKind string

const (
	extentFlat   extentKind = "FLAT"
	extentVMFS   extentKind = "VMFS"
	extentSparse extentKind = "SPARSE"
	extentZero   extentKind = "ZERO"
)

// extentLine is one extent from a text descriptor.
type extentLine struct {
	Access  string
	Sectors int64
	Kind    extentKind
	File    string
	Offset  int64 // sectors, flat extents only
}

// descriptor is the parsed text descriptor of a VMDK.
type descriptor struct {
	CreateType string
	ParentCID  string
	Extents    []extentLine
}

// hasParent reports whether the disk is a delta of another disk.
func (d *descriptor) hasParent() bool {
	return d.ParentCID != "" && !strings.EqualFold(d.ParentCID, "ffffffff")
}

// parseDescriptor parses the "key=value" and extent lines of a VMDK text
// descriptor.
func parseDescriptor(data []byte) (*descriptor, error) {
	d := &descriptor{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, ok := strings.Cut(line, "="); ok && !strings.ContainsAny(key, "\" ") {
			value = strings.Trim(strings.TrimSpace(value), "\"")
			switch strings.TrimSpace(key) {
			case "createType":
				d.CreateType = value
			case "parentCID":
				d.ParentCID = value
			}
			continue
		}
		ext, ok, err := parseExtentLine(line)
		if err != nil {
			return nil, err
		}
		if ok {
			d.Extents = append(d.Extents, ext)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("evidence: read VMDK descriptor: %w", err)
	}
	return d, nil
}

// parseExtentLine parses `RW 2048 FLAT "disk-flat.vmdk" 0`. ok is false
// for lines that are not extent lines.
func parseExtentLine(line string) (extentLine, bool, error) {
	head, rest, quoted := strings.Cut(line, "\"")
	fields := strings.Fields(head)
	if len(fields) != 3 {
		return extentLine{}, false, nil
	}
	switch fields[0] {
	case "RW", "RDONLY", "NOACCESS":
	default:
		return extentLine{}, false, nil
	}
	sectors, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || sectors <= 0 {
		return extentLine{}, false, fmt.Errorf("%w: VMDK extent size %q", ErrUnsupportedFormat, fields[1])
	}
	ext := extentLine{Access: fields[0], Sectors: sectors, Kind: extentKind(fields[2])}

	if quoted {
		file, tail, ok := strings.Cut(rest, "\"")
		if !ok {
			return extentLine{}, false, fmt.Errorf("%w: VMDK extent line %q", ErrUnsupportedFormat, line)
		}
		ext.File = file
		if tail = strings.TrimSpace(tail); tail != "" {
			if ext.Offset, err = strconv.ParseInt(strings.Fields(tail)[0], 10, 64); err != nil {
				return extentLine{}, false, fmt.Errorf("%w: VMDK extent offset %q", ErrUnsupportedFormat, tail)
			}
		}
	}

	switch ext.Kind {
	case extentFlat, extentVMFS, extentSparse:
		if ext.File == "" {
			return extentLine{}, false, fmt.Errorf("%w: VMDK %s extent without file", ErrUnsupportedFormat, ext.Kind)
		}
	case extentZero:
	default:
		return extentLine{}, false, fmt.Errorf("%w: VMDK %s extents", ErrUnsupportedFormat, ext.Kind)
	}
	return ext, true, nil
}

// flatExtent reads a flat extent stored at a sector offset of a file.
type flatExtent struct {
	f    *os.File
	base int64
}

func (e *flatExtent) ReadAt(p []byte, off int64) (int, error) {
	if err := readFull(e.f, p, e.base+off); err != nil {
		return 0, fmt.Errorf("evidence: read VMDK flat extent %s: %w", e.f.Name(), err)
	}
	return len(p), nil
}

// zeroExtent reads as zeros.
type zeroExtent struct{}

func (zeroExtent) ReadAt(p []byte, _ int64) (int, error) {
	clear(p)
	return len(p), nil
}
