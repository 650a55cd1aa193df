// Package vhd reads and incrementally writes Microsoft VHD (Virtual PC)
// disk images.
//
// A dynamic image is laid out as:
//
//	footer copy (512) | dynamic header (1024) | BAT | block ... | footer (512)
//
// Each block is a sector bitmap padded to a 512-byte boundary followed by
// BlockSize bytes of data. All integers are big-endian.
package vhd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// SectorSize is the VHD sector size.
	SectorSize = 512

	// FooterSize is the size of the footer and its copy.
	FooterSize = 512

	// DynamicHeaderSize is the size of the dynamic disk header.
	DynamicHeaderSize = 1024

	// DefaultBlockSize is the default data size of one block (2MB).
	DefaultBlockSize = 2 * 1024 * 1024

	// UnallocatedEntry marks a BAT entry with no block.
	UnallocatedEntry = 0xFFFFFFFF

	// NoDataOffset is the data offset of a fixed disk.
	NoDataOffset = 0xFFFFFFFFFFFFFFFF
)

// Disk types
const (
	DiskTypeFixed        = 2
	DiskTypeDynamic      = 3
	DiskTypeDifferencing = 4
)

const (
	footerCookie   = "conectix"
	dynamicCookie  = "cxsparse"
	formatVersion  = 0x00010000
	headerVersion  = 0x00010000
	featureReserve = 0x00000002
	hostOSWindows  = "Wi2k"
	maxCHSSectors  = 65535 * 16 * 255
)

// DefaultCreatorApp identifies images written by this package.
const DefaultCreatorApp = "evid"

// vhdEpoch is the zero point of VHD timestamps.
var vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Errors
var (
	ErrInvalidCookie    = errors.New("vhd: invalid cookie")
	ErrChecksum         = errors.New("vhd: checksum mismatch")
	ErrUnsupportedType  = errors.New("vhd: unsupported disk type")
	ErrBlockSize        = errors.New("vhd: invalid block size")
	ErrInvalidSize      = errors.New("vhd: invalid disk size")
	ErrOffsetOutOfRange = errors.New("vhd: offset out of range")
	ErrCanceled         = errors.New("vhd: finish canceled")
	ErrIncomplete       = errors.New("vhd: block not complete after read-through")
	ErrClosed           = errors.New("vhd: writer is closed")
)

// Geometry is the cylinder/head/sector triple stored in the footer.
type Geometry struct {
	Cylinders       uint16
	Heads           uint8
	SectorsPerTrack uint8
}

// Sectors returns the number of sectors addressable through the geometry.
func (g Geometry) Sectors() int64 {
	return int64(g.Cylinders) * int64(g.Heads) * int64(g.SectorsPerTrack)
}

// CalculateGeometry derives CHS geometry from a disk size using the
// algorithm published with the VHD format.
func CalculateGeometry(size int64) Geometry {
	total := size / SectorSize
	if total > maxCHSSectors {
		total = maxCHSSectors
	}

	var spt, heads, cth int64
	if total >= 65535*16*63 {
		spt = 255
		heads = 16
		cth = total / spt
	} else {
		spt = 17
		cth = total / spt
		heads = (cth + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cth >= heads*1024 || heads > 16 {
			spt = 31
			heads = 16
			cth = total / spt
		}
		if cth >= heads*1024 {
			spt = 63
			heads = 16
			cth = total / spt
		}
	}
	return Geometry{
		Cylinders:       uint16(cth / heads),
		Heads:           uint8(heads),
		SectorsPerTrack: uint8(spt),
	}
}

// Footer is the 512-byte trailer present in every VHD.
type Footer struct {
	Features       uint32
	Version        uint32
	DataOffset     uint64
	Timestamp      uint32
	CreatorApp     [4]byte
	CreatorVersion uint32
	CreatorHostOS  [4]byte
	OriginalSize   uint64
	CurrentSize    uint64
	Geometry       Geometry
	DiskType       uint32
	Checksum       uint32
	UniqueID       uuid.UUID
	SavedState     uint8
}

// NewFooter returns a footer for a disk of the given size and type.
func NewFooter(size int64, diskType uint32, created time.Time, creator string) *Footer {
	f := &Footer{
		Features:       featureReserve,
		Version:        formatVersion,
		DataOffset:     NoDataOffset,
		Timestamp:      Timestamp(created),
		CreatorVersion: formatVersion,
		OriginalSize:   uint64(size),
		CurrentSize:    uint64(size),
		Geometry:       CalculateGeometry(size),
		DiskType:       diskType,
		UniqueID:       uuid.New(),
	}
	copy(f.CreatorApp[:], creator+"    ")
	copy(f.CreatorHostOS[:], hostOSWindows)
	if diskType != DiskTypeFixed {
		f.DataOffset = FooterSize
	}
	return f
}

// Timestamp converts t to seconds since 2000-01-01 UTC.
func Timestamp(t time.Time) uint32 {
	if t.Before(vhdEpoch) {
		return 0
	}
	return uint32(t.Sub(vhdEpoch) / time.Second)
}

// Time converts the footer timestamp back to wall time.
func (f *Footer) Time() time.Time {
	return vhdEpoch.Add(time.Duration(f.Timestamp) * time.Second)
}

// Encode serializes the footer, computing its checksum.
func (f *Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	copy(buf[0:8], footerCookie)
	binary.BigEndian.PutUint32(buf[8:12], f.Features)
	binary.BigEndian.PutUint32(buf[12:16], f.Version)
	binary.BigEndian.PutUint64(buf[16:24], f.DataOffset)
	binary.BigEndian.PutUint32(buf[24:28], f.Timestamp)
	copy(buf[28:32], f.CreatorApp[:])
	binary.BigEndian.PutUint32(buf[32:36], f.CreatorVersion)
	copy(buf[36:40], f.CreatorHostOS[:])
	binary.BigEndian.PutUint64(buf[40:48], f.OriginalSize)
	binary.BigEndian.PutUint64(buf[48:56], f.CurrentSize)
	binary.BigEndian.PutUint16(buf[56:58], f.Geometry.Cylinders)
	buf[58] = f.Geometry.Heads
	buf[59] = f.Geometry.SectorsPerTrack
	binary.BigEndian.PutUint32(buf[60:64], f.DiskType)
	copy(buf[68:84], f.UniqueID[:])
	buf[84] = f.SavedState

	f.Checksum = checksum(buf, 64)
	binary.BigEndian.PutUint32(buf[64:68], f.Checksum)
	return buf
}

// ParseFooter parses and verifies a footer.
func ParseFooter(data []byte) (*Footer, error) {
	if len(data) < FooterSize {
		return nil, fmt.Errorf("vhd: footer too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:8], []byte(footerCookie)) {
		return nil, fmt.Errorf("%w: footer %q", ErrInvalidCookie, data[0:8])
	}

	f := &Footer{
		Features:       binary.BigEndian.Uint32(data[8:12]),
		Version:        binary.BigEndian.Uint32(data[12:16]),
		DataOffset:     binary.BigEndian.Uint64(data[16:24]),
		Timestamp:      binary.BigEndian.Uint32(data[24:28]),
		CreatorVersion: binary.BigEndian.Uint32(data[32:36]),
		OriginalSize:   binary.BigEndian.Uint64(data[40:48]),
		CurrentSize:    binary.BigEndian.Uint64(data[48:56]),
		Geometry: Geometry{
			Cylinders:       binary.BigEndian.Uint16(data[56:58]),
			Heads:           data[58],
			SectorsPerTrack: data[59],
		},
		DiskType:   binary.BigEndian.Uint32(data[60:64]),
		Checksum:   binary.BigEndian.Uint32(data[64:68]),
		SavedState: data[84],
	}
	copy(f.CreatorApp[:], data[28:32])
	copy(f.CreatorHostOS[:], data[36:40])
	copy(f.UniqueID[:], data[68:84])

	if want := checksum(data[:FooterSize], 64); want != f.Checksum {
		return nil, fmt.Errorf("%w: footer 0x%08x, computed 0x%08x", ErrChecksum, f.Checksum, want)
	}
	return f, nil
}

// DynamicHeader describes the BAT and block size of a dynamic disk.
type DynamicHeader struct {
	DataOffset      uint64
	TableOffset     uint64
	HeaderVersion   uint32
	MaxTableEntries uint32
	BlockSize       uint32
	Checksum        uint32
}

// Encode serializes the header, computing its checksum.
func (h *DynamicHeader) Encode() []byte {
	buf := make([]byte, DynamicHeaderSize)
	copy(buf[0:8], dynamicCookie)
	binary.BigEndian.PutUint64(buf[8:16], h.DataOffset)
	binary.BigEndian.PutUint64(buf[16:24], h.TableOffset)
	binary.BigEndian.PutUint32(buf[24:28], h.HeaderVersion)
	binary.BigEndian.PutUint32(buf[28:32], h.MaxTableEntries)
	binary.BigEndian.PutUint32(buf[32:36], h.BlockSize)

	h.Checksum = checksum(buf, 36)
	binary.BigEndian.PutUint32(buf[36:40], h.Checksum)
	return buf
}

// ParseDynamicHeader parses and verifies a dynamic disk header.
func ParseDynamicHeader(data []byte) (*DynamicHeader, error) {
	if len(data) < DynamicHeaderSize {
		return nil, fmt.Errorf("vhd: dynamic header too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:8], []byte(dynamicCookie)) {
		return nil, fmt.Errorf("%w: dynamic header %q", ErrInvalidCookie, data[0:8])
	}
	h := &DynamicHeader{
		DataOffset:      binary.BigEndian.Uint64(data[8:16]),
		TableOffset:     binary.BigEndian.Uint64(data[16:24]),
		HeaderVersion:   binary.BigEndian.Uint32(data[24:28]),
		MaxTableEntries: binary.BigEndian.Uint32(data[28:32]),
		BlockSize:       binary.BigEndian.Uint32(data[32:36]),
		Checksum:        binary.BigEndian.Uint32(data[36:40]),
	}
	if want := checksum(data[:DynamicHeaderSize], 36); want != h.Checksum {
		return nil, fmt.Errorf("%w: dynamic header 0x%08x, computed 0x%08x", ErrChecksum, h.Checksum, want)
	}
	if err := validateBlockSize(int64(h.BlockSize)); err != nil {
		return nil, err
	}
	return h, nil
}

// BitmapSize returns the on-disk size of one block's sector bitmap.
func (h *DynamicHeader) BitmapSize() int64 {
	return bitmapSize(int64(h.BlockSize))
}

// batSize returns the on-disk size of a BAT with n entries.
func batSize(n uint32) int64 {
	return roundUp(int64(n)*4, SectorSize)
}

func bitmapSize(blockSize int64) int64 {
	return roundUp(blockSize/SectorSize/8, SectorSize)
}

func validateBlockSize(size int64) error {
	if size < SectorSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBlockSize, size)
	}
	return nil
}

// checksum is the one's complement of the byte sum, skipping the 4-byte
// checksum field at skip.
func checksum(data []byte, skip int) uint32 {
	var sum uint32
	for i, b := range data {
		if i >= skip && i < skip+4 {
			continue
		}
		sum += uint32(b)
	}
	return ^sum
}

func roundUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
