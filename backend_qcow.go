package evidence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lima-vm/go-qcow2reader"
	"github.com/lima-vm/go-qcow2reader/image"
	"github.com/lima-vm/go-qcow2reader/image/qcow2"
)

var qcowMagic = []byte("QFI\xfb")

type qcowBackend struct {
	mu   sync.Mutex
	file *os.File
	img  image.Image
}

// openQCOW opens a QEMU copy-on-write image.
func openQCOW(paths []string, _ *imageOptions) (Backend, error) {
	f, _, err := probeFile(TypeQCOW, paths, int64(len(qcowMagic)))
	if err != nil {
		return nil, err
	}
	ok, err := hasMagic(f, 0, qcowMagic)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			return nil, err
		}
		return nil, wrongType(TypeQCOW, "no QFI signature")
	}

	img, err := qcow2reader.OpenWithType(f, qcow2.Type)
	if err != nil {
		f.Close()
		if errors.Is(err, image.ErrWrongType) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("evidence: parse QCOW: %w", err)
	}
	if err := img.Readable(); err != nil {
		img.Close()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if img.Size() < 0 {
		img.Close()
		f.Close()
		return nil, fmt.Errorf("%w: QCOW image of unknown size", ErrUnsupportedFormat)
	}
	return &qcowBackend{file: f, img: img}, nil
}

func (b *qcowBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.img.ReadAt(p, off)
}

func (b *qcowBackend) Size() int64 {
	return b.img.Size()
}

func (b *qcowBackend) SectorSize() int {
	return 0
}

func (b *qcowBackend) Describe(w io.Writer) error {
	_, err := fmt.Fprintf(w, "QCOW format: %s\nVirtual size: %d\n", b.img.Type(), b.img.Size())
	return err
}

func (b *qcowBackend) Close() error {
	err := b.img.Close()
	if cerr := b.file.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}
