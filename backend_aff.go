package evidence

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lima-vm/go-qcow2reader/image"
	"github.com/lima-vm/go-qcow2reader/image/stub"
)

// AFF images are recognized so that detection does not mistake them for
// raw media, but their content cannot be read.
const (
	affType  = image.Type("aff")
	aff4Type = image.Type("aff4")
)

var (
	affMagic = []byte("AFF10\r\n\x00")
	zipMagic = []byte("PK\x03\x04")
)

// aff4Prober matches a zip container whose first member is one of the
// AFF4 metadata files.
func aff4Prober(sector []byte) bool {
	if !bytes.HasPrefix(sector, zipMagic) {
		return false
	}
	return bytes.Contains(sector, []byte("container.description")) ||
		bytes.Contains(sector, []byte("information.turtle"))
}

func openAFF(paths []string, _ *imageOptions) (Backend, error) {
	return openStub(TypeAFF, affType, paths, stub.SimpleProber(affMagic))
}

func openAFF4(paths []string, _ *imageOptions) (Backend, error) {
	return openStub(TypeAFF4, aff4Type, paths, aff4Prober)
}

// openStub probes for a format that is recognized but not readable.
func openStub(t Type, it image.Type, paths []string, probe stub.Prober) (Backend, error) {
	f, _, err := probeFile(t, paths, 1)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := stub.New(f, it, probe)
	if err != nil {
		if errors.Is(err, image.ErrWrongType) {
			return nil, wrongType(t, "%v", err)
		}
		return nil, fmt.Errorf("evidence: %w", err)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, t.DisplayName(), s.Readable())
}
