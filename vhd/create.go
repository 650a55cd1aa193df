package vhd

import (
	"fmt"
	"os"
	"time"
)

// Option configures a Writer.
type Option func(*createOptions)

// createOptions holds the parameters for creating a dynamic VHD.
type createOptions struct {
	// blockSize is the data size of one block. Must be a power of two.
	blockSize int64

	// minBlockSize is a lower bound the block size must exceed.
	minBlockSize int64

	// creator is the 4-character creator application tag.
	creator string

	// created is the footer timestamp.
	created time.Time
}

func defaultCreateOptions() *createOptions {
	return &createOptions{
		blockSize: DefaultBlockSize,
		creator:   DefaultCreatorApp,
		created:   time.Now(),
	}
}

// WithBlockSize sets the block size. It must be a power of two and a
// multiple of the sector size.
func WithBlockSize(size int64) Option {
	return func(o *createOptions) {
		o.blockSize = size
	}
}

// WithMinBlockSize requires the block size to be strictly larger than size.
// Readers that forward whole cache chunks set this to their chunk size so
// one forwarded buffer never spans more than two blocks.
func WithMinBlockSize(size int64) Option {
	return func(o *createOptions) {
		o.minBlockSize = size
	}
}

// WithCreator sets the footer's creator application tag.
func WithCreator(app string) Option {
	return func(o *createOptions) {
		if app != "" {
			o.creator = app
		}
	}
}

// WithTimestamp sets the footer creation time.
func WithTimestamp(t time.Time) Option {
	return func(o *createOptions) {
		o.created = t
	}
}

// Create creates a dynamic VHD at path able to hold size bytes and returns
// a Writer for it. The new file contains no blocks and is immediately a
// valid, all-zero disk.
func Create(path string, size int64, opts ...Option) (*Writer, error) {
	o := defaultCreateOptions()
	for _, opt := range opts {
		opt(o)
	}

	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if err := validateBlockSize(o.blockSize); err != nil {
		return nil, err
	}
	if o.blockSize <= o.minBlockSize {
		return nil, fmt.Errorf("%w: %d must exceed %d", ErrBlockSize, o.blockSize, o.minBlockSize)
	}

	diskSize := roundUp(size, SectorSize)
	blocks := (diskSize + o.blockSize - 1) / o.blockSize
	if blocks > UnallocatedEntry-1 {
		return nil, fmt.Errorf("%w: %d bytes needs %d blocks", ErrInvalidSize, size, blocks)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vhd: create %s: %w", path, err)
	}

	footer := NewFooter(diskSize, DiskTypeDynamic, o.created, o.creator)
	header := &DynamicHeader{
		DataOffset:      NoDataOffset,
		TableOffset:     FooterSize + DynamicHeaderSize,
		HeaderVersion:   headerVersion,
		MaxTableEntries: uint32(blocks),
		BlockSize:       uint32(o.blockSize),
	}

	w := newWriter(f, size, footer, header)
	if err := w.writeLayout(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

// writeLayout writes the footer copy, dynamic header, empty BAT and footer.
func (w *Writer) writeLayout() error {
	footer := w.footer.Encode()
	if _, err := w.file.WriteAt(footer, 0); err != nil {
		return fmt.Errorf("vhd: write footer copy: %w", err)
	}
	if _, err := w.file.WriteAt(w.header.Encode(), FooterSize); err != nil {
		return fmt.Errorf("vhd: write dynamic header: %w", err)
	}

	bat := make([]byte, batSize(w.header.MaxTableEntries))
	for i := range bat {
		bat[i] = 0xFF
	}
	if _, err := w.file.WriteAt(bat, int64(w.header.TableOffset)); err != nil {
		return fmt.Errorf("vhd: write BAT: %w", err)
	}

	w.next = int64(w.header.TableOffset) + int64(len(bat))
	return w.writeFooter()
}
