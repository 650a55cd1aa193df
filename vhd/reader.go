package vhd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Disk is a read-only view of a fixed or dynamic VHD.
type Disk struct {
	ra       io.ReaderAt
	fileSize int64
	footer   *Footer
	header   *DynamicHeader
	bat      []uint32
}

// Open parses the footer at the end of ra (and the dynamic header and BAT
// for dynamic disks).
func Open(ra io.ReaderAt, fileSize int64) (*Disk, error) {
	if fileSize < FooterSize {
		return nil, fmt.Errorf("%w: file too small for footer", ErrInvalidCookie)
	}
	buf := make([]byte, FooterSize)
	if _, err := ra.ReadAt(buf, fileSize-FooterSize); err != nil {
		return nil, fmt.Errorf("vhd: read footer: %w", err)
	}
	footer, err := ParseFooter(buf)
	if err != nil {
		return nil, err
	}

	d := &Disk{ra: ra, fileSize: fileSize, footer: footer}
	switch footer.DiskType {
	case DiskTypeFixed:
		if int64(footer.CurrentSize) > fileSize-FooterSize {
			return nil, fmt.Errorf("%w: fixed disk of %d bytes in %d byte file",
				ErrInvalidSize, footer.CurrentSize, fileSize)
		}
		return d, nil
	case DiskTypeDynamic:
		if err := d.loadDynamic(); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, footer.DiskType)
}

func (d *Disk) loadDynamic() error {
	buf := make([]byte, DynamicHeaderSize)
	if _, err := d.ra.ReadAt(buf, int64(d.footer.DataOffset)); err != nil {
		return fmt.Errorf("vhd: read dynamic header: %w", err)
	}
	header, err := ParseDynamicHeader(buf)
	if err != nil {
		return err
	}
	need := (int64(d.footer.CurrentSize) + int64(header.BlockSize) - 1) / int64(header.BlockSize)
	if int64(header.MaxTableEntries) < need {
		return fmt.Errorf("%w: BAT has %d entries, disk needs %d", ErrInvalidSize, header.MaxTableEntries, need)
	}

	raw := make([]byte, int64(header.MaxTableEntries)*4)
	if _, err := d.ra.ReadAt(raw, int64(header.TableOffset)); err != nil {
		return fmt.Errorf("vhd: read BAT: %w", err)
	}
	d.bat = make([]uint32, header.MaxTableEntries)
	for i := range d.bat {
		d.bat[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	d.header = header
	return nil
}

// Size returns the virtual disk size.
func (d *Disk) Size() int64 {
	return int64(d.footer.CurrentSize)
}

// Footer returns the parsed footer.
func (d *Disk) Footer() *Footer {
	return d.footer
}

// Header returns the dynamic header, or nil for a fixed disk.
func (d *Disk) Header() *DynamicHeader {
	return d.header
}

// BAT returns a copy of the block allocation table (nil for fixed disks).
func (d *Disk) BAT() []uint32 {
	return append([]uint32(nil), d.bat...)
}

// ReadAt implements io.ReaderAt over the virtual disk. Unallocated blocks
// read as zeros.
func (d *Disk) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrOffsetOutOfRange
	}
	size := d.Size()
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
		err = io.EOF
	}

	if d.header == nil {
		read, rerr := d.ra.ReadAt(p, off)
		if rerr != nil {
			return read, rerr
		}
		return read, err
	}

	blockSize := int64(d.header.BlockSize)
	bitmapSize := d.header.BitmapSize()
	for len(p) > 0 {
		block := off / blockSize
		within := off % blockSize
		toRead := blockSize - within
		if toRead > int64(len(p)) {
			toRead = int64(len(p))
		}

		entry := d.bat[block]
		if entry == UnallocatedEntry {
			clear(p[:toRead])
		} else {
			phys := int64(entry)*SectorSize + bitmapSize + within
			if _, rerr := d.ra.ReadAt(p[:toRead], phys); rerr != nil {
				return n, fmt.Errorf("vhd: read block %d: %w", block, rerr)
			}
		}

		n += int(toRead)
		p = p[toRead:]
		off += toRead
	}
	return n, err
}

// SectorBitmap returns the on-disk sector bitmap of a block, or nil when
// the block is not allocated.
func (d *Disk) SectorBitmap(block int) ([]byte, error) {
	if d.header == nil || block < 0 || block >= len(d.bat) {
		return nil, fmt.Errorf("%w: block %d", ErrOffsetOutOfRange, block)
	}
	if d.bat[block] == UnallocatedEntry {
		return nil, nil
	}
	buf := make([]byte, d.header.BitmapSize())
	if _, err := d.ra.ReadAt(buf, int64(d.bat[block])*SectorSize); err != nil {
		return nil, fmt.Errorf("vhd: read block %d bitmap: %w", block, err)
	}
	return buf, nil
}
