package vhd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// BlockStatus is the allocation state of one block. A block only ever
// moves forward: unallocated, allocated, finished.
type BlockStatus int

const (
	BlockUnallocated BlockStatus = iota
	BlockAllocated
	BlockFinished
)

func (s BlockStatus) String() string {
	switch s {
	case BlockUnallocated:
		return "unallocated"
	case BlockAllocated:
		return "allocated"
	case BlockFinished:
		return "finished"
	}
	return "unknown"
}

// ProgressFunc is called by Finish after each block with the number of
// finished blocks and the total.
type ProgressFunc func(done, total int)

// Writer materializes a dynamic VHD from data offered to WriteAt in any
// order. Each sector is written at most once; data for sectors already
// written is ignored. The file is a valid VHD after every call.
type Writer struct {
	mu   sync.Mutex
	file *os.File

	// size is the number of source bytes; the disk is rounded up to a
	// whole sector.
	size        int64
	diskSectors int64

	footer      *Footer
	footerBytes []byte
	header      *DynamicHeader

	blockSize       int64
	bitmapSize      int64
	sectorsPerBlock int

	status  []BlockStatus
	bat     []uint32
	bitmaps []*sectorBitmap
	done    int

	// next is the file offset of the trailing footer, which is where the
	// next block is placed.
	next int64

	closed bool
}

func newWriter(f *os.File, size int64, footer *Footer, header *DynamicHeader) *Writer {
	n := int(header.MaxTableEntries)
	w := &Writer{
		file:            f,
		size:            size,
		diskSectors:     int64(footer.CurrentSize) / SectorSize,
		footer:          footer,
		footerBytes:     footer.Encode(),
		header:          header,
		blockSize:       int64(header.BlockSize),
		bitmapSize:      header.BitmapSize(),
		sectorsPerBlock: int(header.BlockSize / SectorSize),
		status:          make([]BlockStatus, n),
		bat:             make([]uint32, n),
		bitmaps:         make([]*sectorBitmap, n),
	}
	for i := range w.bat {
		w.bat[i] = UnallocatedEntry
	}
	return w
}

// WriteAt offers source data at offset off. Only whole sectors covered by
// p are written, except the final partial sector of the source. Data past
// the source size is ignored. It returns len(p) on success.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if off < 0 || off >= w.size {
		return 0, fmt.Errorf("%w: %d", ErrOffsetOutOfRange, off)
	}

	total := len(p)
	if off+int64(len(p)) > w.size {
		p = p[:w.size-off]
	}

	written := 0
	for len(p) > 0 {
		block := off / w.blockSize
		within := off % w.blockSize
		toWrite := w.blockSize - within
		if toWrite > int64(len(p)) {
			toWrite = int64(len(p))
		}

		if err := w.writeBlock(int(block), within, p[:toWrite]); err != nil {
			return written, err
		}

		written += int(toWrite)
		p = p[toWrite:]
		off += toWrite
	}
	return total, nil
}

// writeBlock stores the sectors of data that fall inside one block.
func (w *Writer) writeBlock(block int, within int64, data []byte) error {
	switch w.status[block] {
	case BlockFinished:
		return nil
	case BlockUnallocated:
		if err := w.allocate(block); err != nil {
			return err
		}
	}

	bm := w.bitmaps[block]
	end := within + int64(len(data))
	first := int((within + SectorSize - 1) / SectorSize)
	last := int(end / SectorSize)
	if end%SectorSize != 0 && int64(block)*w.blockSize+end == w.size {
		last++
	}

	blockOff := int64(w.bat[block]) * SectorSize
	dataOff := blockOff + w.bitmapSize
	changedLo, changedHi := -1, -1

	for s := first; s < last; {
		if bm.test(s) {
			s++
			continue
		}
		run := s
		for run < last && !bm.test(run) {
			run++
		}

		lo := int64(s)*SectorSize - within
		hi := int64(run)*SectorSize - within
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}
		if _, err := w.file.WriteAt(data[lo:hi], dataOff+int64(s)*SectorSize); err != nil {
			return fmt.Errorf("vhd: write block %d sectors %d-%d: %w", block, s, run-1, err)
		}
		for i := s; i < run; i++ {
			bm.mark(i)
		}
		if changedLo < 0 {
			changedLo = s
		}
		changedHi = run - 1
		s = run
	}

	if changedLo < 0 {
		return nil
	}

	at, span := bm.span(changedLo, changedHi)
	if _, err := w.file.WriteAt(span, blockOff+int64(at)); err != nil {
		return fmt.Errorf("vhd: write block %d bitmap: %w", block, err)
	}
	if bm.full() {
		w.status[block] = BlockFinished
		w.bitmaps[block] = nil
		w.done++
	}
	return w.writeFooter()
}

// allocate appends a block at the current footer position: a cleared
// sector bitmap followed by a zero data region. The footer moves past the
// block before the BAT entry is published.
func (w *Writer) allocate(block int) error {
	offset := w.next
	bm := newSectorBitmap(w.bitmapSize, w.sectorsIn(block))

	if _, err := w.file.WriteAt(bm.data, offset); err != nil {
		return fmt.Errorf("vhd: write block %d bitmap: %w", block, err)
	}
	end := offset + w.bitmapSize + w.blockSize
	if err := w.file.Truncate(end); err != nil {
		return fmt.Errorf("vhd: extend for block %d: %w", block, err)
	}
	w.next = end
	if err := w.writeFooter(); err != nil {
		return err
	}

	entry := uint32(offset / SectorSize)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], entry)
	if _, err := w.file.WriteAt(buf[:], int64(w.header.TableOffset)+int64(block)*4); err != nil {
		return fmt.Errorf("vhd: write BAT entry %d: %w", block, err)
	}

	w.bat[block] = entry
	w.bitmaps[block] = bm
	w.status[block] = BlockAllocated
	return nil
}

// sectorsIn returns the number of disk sectors that fall inside block.
func (w *Writer) sectorsIn(block int) int {
	remaining := w.diskSectors - int64(block)*int64(w.sectorsPerBlock)
	if remaining < int64(w.sectorsPerBlock) {
		return int(remaining)
	}
	return w.sectorsPerBlock
}

func (w *Writer) writeFooter() error {
	if _, err := w.file.WriteAt(w.footerBytes, w.next); err != nil {
		return fmt.Errorf("vhd: write footer: %w", err)
	}
	return nil
}

// Finish reads every block that is not yet finished through src, which is
// normally the image this writer is attached to, so the regular read path
// forwards the data. Anything src did not forward is written directly.
// ctx is checked between blocks.
func (w *Writer) Finish(ctx context.Context, src io.ReaderAt, progress ProgressFunc) error {
	total := w.Blocks()
	buf := make([]byte, w.blockSize)

	for block := 0; block < total; block++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		if w.Status(block) != BlockFinished {
			if err := w.finishBlock(block, buf, src); err != nil {
				return err
			}
		}
		if progress != nil {
			progress(w.Finished(), total)
		}
	}
	return nil
}

func (w *Writer) finishBlock(block int, buf []byte, src io.ReaderAt) error {
	start := int64(block) * w.blockSize
	length := w.blockSize
	if start+length > w.size {
		length = w.size - start
	}

	n, err := src.ReadAt(buf[:length], start)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return fmt.Errorf("vhd: read block %d: %w", block, err)
	}
	if w.Status(block) != BlockFinished {
		if _, err := w.WriteAt(buf[:length], start); err != nil {
			return err
		}
	}
	if w.Status(block) != BlockFinished {
		return fmt.Errorf("%w: %d", ErrIncomplete, block)
	}
	return nil
}

// Status returns the state of a block.
func (w *Writer) Status(block int) BlockStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status[block]
}

// Blocks returns the number of blocks in the disk.
func (w *Writer) Blocks() int {
	return len(w.status)
}

// Finished returns the number of finished blocks.
func (w *Writer) Finished() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Progress returns the percentage of finished blocks.
func (w *Writer) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done * 100 / len(w.status)
}

// AllocatedBitmaps returns the number of in-memory sector bitmaps, which
// is the number of allocated but unfinished blocks.
func (w *Writer) AllocatedBitmaps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, bm := range w.bitmaps {
		if bm != nil {
			n++
		}
	}
	return n
}

// Size returns the number of source bytes the writer accepts.
func (w *Writer) Size() int64 {
	return w.size
}

// BlockSize returns the block size.
func (w *Writer) BlockSize() int64 {
	return w.blockSize
}

// Path returns the output file name.
func (w *Writer) Path() string {
	return w.file.Name()
}

// Close flushes and closes the output file. Unfinished blocks stay sparse.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.bitmaps = nil

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("vhd: sync: %w", err)
	}
	return w.file.Close()
}
