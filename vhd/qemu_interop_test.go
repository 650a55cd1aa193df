package vhd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/go-evidence/testutil"
)

// chsExactSize is a disk size whose CHS geometry (120/4/17) addresses every
// sector, so readers that size VPC images by geometry agree with the footer.
const chsExactSize = 120 * 4 * 17 * SectorSize

// TestQemuReadsWrittenVHD verifies qemu-img sees the same bytes we wrote.
func TestQemuReadsWrittenVHD(t *testing.T) {
	testutil.RequireQemu(t)

	dir := t.TempDir()
	src := testutil.RandomBytes(11, chsExactSize)
	vhdPath := filepath.Join(dir, "out.vhd")

	w, err := Create(vhdPath, chsExactSize)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Leave the first block sparse so Finish has work to do.
	if _, err := w.WriteAt(src[DefaultBlockSize:], DefaultBlockSize); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := w.Finish(context.Background(), bytes.NewReader(src), nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info := testutil.QemuInfo(t, vhdPath)
	if info.Format != "vpc" {
		t.Errorf("qemu-img format = %q, want vpc", info.Format)
	}
	if info.VirtualSize != chsExactSize {
		t.Errorf("qemu-img virtual size = %d, want %d", info.VirtualSize, chsExactSize)
	}

	rawPath := filepath.Join(dir, "out.raw")
	testutil.QemuConvert(t, "vpc", "raw", vhdPath, rawPath)

	got, err := os.ReadFile(rawPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Error("qemu-img read back different data")
	}

	f, err := os.Open(vhdPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	res, err := Check(f, testutil.FileSize(t, vhdPath))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.IsClean() {
		t.Errorf("Check found errors: %v", res.Errors)
	}
}

// TestOpenQemuVHD reads fixed and dynamic images produced by qemu-img.
func TestOpenQemuVHD(t *testing.T) {
	testutil.RequireQemu(t)

	dir := t.TempDir()
	src := testutil.RandomBytes(12, chsExactSize)
	rawPath := filepath.Join(dir, "src.raw")
	if err := os.WriteFile(rawPath, src, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	for _, subformat := range []string{"fixed", "dynamic"} {
		t.Run(subformat, func(t *testing.T) {
			vhdPath := filepath.Join(dir, subformat+".vhd")
			testutil.QemuConvert(t, "raw", "vpc", rawPath, vhdPath, "-o", "subformat="+subformat)

			f, err := os.Open(vhdPath)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer f.Close()
			fi, _ := f.Stat()

			d, err := Open(f, fi.Size())
			if err != nil {
				t.Fatalf("vhd.Open failed: %v", err)
			}
			if d.Size() < int64(len(src)) {
				t.Fatalf("Size = %d, want at least %d", d.Size(), len(src))
			}
			got := make([]byte, len(src))
			if _, err := d.ReadAt(got, 0); err != nil {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if !bytes.Equal(got, src) {
				t.Error("data mismatch")
			}
		})
	}
}
