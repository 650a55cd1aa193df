package vhd

import (
	"bytes"
	"fmt"
	"io"
	"sort"
)

// CheckResult contains the results of an image consistency check.
type CheckResult struct {
	// Corruptions is the number of structural errors found.
	Corruptions int

	// Errors contains descriptions of any errors found.
	Errors []string

	// AllocatedBlocks is the number of BAT entries pointing at a block.
	AllocatedBlocks int

	// CompleteBlocks is the number of allocated blocks whose sector
	// bitmap covers every sector.
	CompleteBlocks int

	// WrittenSectors is the total number of sectors marked in bitmaps.
	WrittenSectors int64
}

// IsClean returns true if no corruptions or errors were found.
func (r *CheckResult) IsClean() bool {
	return r.Corruptions == 0 && len(r.Errors) == 0
}

func (r *CheckResult) corrupt(format string, args ...any) {
	r.Corruptions++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Check performs a consistency check of a VHD file: footer and header
// checksums, the footer copy, and BAT entries that are misaligned, point
// outside the file or overlap metadata or each other.
func Check(ra io.ReaderAt, fileSize int64) (*CheckResult, error) {
	d, err := Open(ra, fileSize)
	if err != nil {
		return nil, err
	}
	result := &CheckResult{}
	if d.header == nil {
		return result, nil
	}

	footer := make([]byte, FooterSize)
	copyBuf := make([]byte, FooterSize)
	if _, err := ra.ReadAt(footer, fileSize-FooterSize); err != nil {
		return nil, fmt.Errorf("vhd: read footer: %w", err)
	}
	if _, err := ra.ReadAt(copyBuf, 0); err != nil {
		return nil, fmt.Errorf("vhd: read footer copy: %w", err)
	}
	if !bytes.Equal(footer, copyBuf) {
		result.corrupt("footer copy at offset 0 does not match footer")
	}

	metaEnd := int64(d.header.TableOffset) + batSize(d.header.MaxTableEntries)
	blockLen := d.header.BitmapSize() + int64(d.header.BlockSize)
	dataEnd := fileSize - FooterSize
	sectors := d.Size() / SectorSize
	perBlock := int64(d.header.BlockSize) / SectorSize

	type extent struct {
		block      int
		start, end int64
	}
	var extents []extent

	for i, entry := range d.bat {
		if entry == UnallocatedEntry {
			continue
		}
		result.AllocatedBlocks++
		start := int64(entry) * SectorSize
		end := start + blockLen
		if start < metaEnd {
			result.corrupt("BAT[%d]: block at 0x%x overlaps metadata ending at 0x%x", i, start, metaEnd)
			continue
		}
		if end > dataEnd {
			result.corrupt("BAT[%d]: block at 0x%x extends past data end 0x%x", i, start, dataEnd)
			continue
		}
		extents = append(extents, extent{block: i, start: start, end: end})

		bm, err := d.SectorBitmap(i)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("BAT[%d]: %v", i, err))
			continue
		}
		valid := perBlock
		if rem := sectors - int64(i)*perBlock; rem < valid {
			valid = rem
		}
		set := countSet(bm, int(valid))
		result.WrittenSectors += int64(set)
		if int64(set) == valid {
			result.CompleteBlocks++
		}
	}

	sort.Slice(extents, func(a, b int) bool { return extents[a].start < extents[b].start })
	for i := 1; i < len(extents); i++ {
		if extents[i].start < extents[i-1].end {
			result.corrupt("BAT[%d] and BAT[%d] overlap at 0x%x",
				extents[i-1].block, extents[i].block, extents[i].start)
		}
	}
	return result, nil
}
