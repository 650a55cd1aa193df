package evidence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ehrlich-b/go-evidence/vhd"
)

var vhdCookie = []byte("conectix")

type vhdBackend struct {
	mu   sync.Mutex
	file *os.File
	disk *vhd.Disk
}

// openVHD opens a fixed or dynamic VHD. The footer cookie at the end of the
// file identifies the format.
func openVHD(paths []string, _ *imageOptions) (Backend, error) {
	f, size, err := probeFile(TypeVHD, paths, vhd.FooterSize)
	if err != nil {
		return nil, err
	}
	ok, err := hasMagic(f, size-vhd.FooterSize, vhdCookie)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			return nil, err
		}
		return nil, wrongType(TypeVHD, "no conectix footer")
	}

	disk, err := vhd.Open(f, size)
	if err != nil {
		f.Close()
		if errors.Is(err, vhd.ErrUnsupportedType) || errors.Is(err, vhd.ErrChecksum) ||
			errors.Is(err, vhd.ErrInvalidCookie) || errors.Is(err, vhd.ErrInvalidSize) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("evidence: %w", err)
	}
	return &vhdBackend{file: f, disk: disk}, nil
}

func (b *vhdBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disk.ReadAt(p, off)
}

func (b *vhdBackend) Size() int64 {
	return b.disk.Size()
}

func (b *vhdBackend) SectorSize() int {
	return vhd.SectorSize
}

func (b *vhdBackend) Describe(w io.Writer) error {
	footer := b.disk.Footer()
	kind := "fixed"
	if footer.DiskType == vhd.DiskTypeDynamic {
		kind = "dynamic"
	}
	if _, err := fmt.Fprintf(w, "VHD disk type: %s\nCreator: %s\nCreated: %s\nUnique ID: %s\n",
		kind, footer.CreatorApp[:], footer.Time().UTC().Format("2006-01-02 15:04:05"), footer.UniqueID); err != nil {
		return err
	}
	if h := b.disk.Header(); h != nil {
		if _, err := fmt.Fprintf(w, "Block size: %d\nBAT entries: %d\n", h.BlockSize, h.MaxTableEntries); err != nil {
			return err
		}
	}
	return nil
}

func (b *vhdBackend) Close() error {
	return b.file.Close()
}
