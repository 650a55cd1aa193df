package evidence

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehrlich-b/go-evidence/testutil"
)

// interopSource writes a raw image with data, zero and repeated regions so
// that sparse and compressed formats have something to skip.
func interopSource(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	data := testutil.RandomBytes(60, 3*1024*1024)
	clear(data[512*1024 : 1536*1024])
	for i := 2 * 1024 * 1024; i < 2*1024*1024+256*1024; i++ {
		data[i] = 0xAB
	}
	return testutil.WriteFile(t, dir, "source.raw", data), data
}

// verifyContent opens path and compares it with data. Formats that round
// the disk up must read back zeros past the end of data.
func verifyContent(t *testing.T, path string, want Type, data []byte, opts ...Option) {
	t.Helper()
	img, err := Open([]string{path}, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer img.Close()

	if img.Type() != want {
		t.Errorf("Type = %s, want %s", img.Type(), want)
	}
	if img.Size() < int64(len(data)) {
		t.Fatalf("Size = %d, want at least %d", img.Size(), len(data))
	}
	got := readAll(t, img)
	if !bytes.Equal(got[:len(data)], data) {
		for i := range data {
			if got[i] != data[i] {
				t.Fatalf("first difference at offset %d", i)
			}
		}
	}
	if bytes.Count(got[len(data):], []byte{0}) != len(got)-len(data) {
		t.Error("padding past the source is not zero")
	}
}

func TestQemuInterop_QCOW2(t *testing.T) {
	testutil.RequireQemu(t)
	dir := t.TempDir()
	src, data := interopSource(t, dir)

	tests := []struct {
		name  string
		extra []string
	}{
		{"plain", nil},
		{"compressed", []string{"-c"}},
		{"small clusters", []string{"-o", "cluster_size=4096"}},
		{"v2", []string{"-o", "compat=0.10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-")+".qcow2")
			testutil.QemuConvert(t, "raw", "qcow2", src, dst, tt.extra...)
			verifyContent(t, dst, TypeQCOW, data)
		})
	}
}

func TestQemuInterop_QCOW2Backing(t *testing.T) {
	testutil.RequireQemu(t)
	dir := t.TempDir()
	src, _ := interopSource(t, dir)

	base := filepath.Join(dir, "base.qcow2")
	testutil.QemuConvert(t, "raw", "qcow2", src, base)
	overlay := filepath.Join(dir, "overlay.qcow2")
	testutil.QemuCreate(t, "qcow2", overlay, "3M", "-b", base, "-F", "qcow2")

	// Without the backing file the overlay cannot be read.
	if err := os.Remove(base); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	img, err := Open([]string{overlay})
	if err == nil {
		img.Close()
		t.Fatal("overlay opened without its backing file")
	}
}

func TestQemuInterop_VMDK(t *testing.T) {
	testutil.RequireQemu(t)
	dir := t.TempDir()
	src, data := interopSource(t, dir)

	for _, sub := range []string{"monolithicSparse", "streamOptimized", "monolithicFlat", "twoGbMaxExtentSparse", "twoGbMaxExtentFlat"} {
		t.Run(sub, func(t *testing.T) {
			subdir := filepath.Join(dir, sub)
			if err := os.Mkdir(subdir, 0o755); err != nil {
				t.Fatalf("Mkdir failed: %v", err)
			}
			dst := filepath.Join(subdir, "disk.vmdk")
			testutil.QemuConvert(t, "raw", "vmdk", src, dst, "-o", "subformat="+sub)
			verifyContent(t, dst, TypeVMDK, data)
		})
	}
}

func TestQemuInterop_VHD(t *testing.T) {
	testutil.RequireQemu(t)
	dir := t.TempDir()
	src, data := interopSource(t, dir)

	for _, sub := range []string{"fixed", "dynamic"} {
		t.Run(sub, func(t *testing.T) {
			dst := filepath.Join(dir, sub+".vhd")
			testutil.QemuConvert(t, "raw", "vpc", src, dst, "-o", "subformat="+sub+",force_size=on")
			verifyContent(t, dst, TypeVHD, data)
		})
	}
}

func TestQemuInterop_LUKS(t *testing.T) {
	testutil.RequireQemu(t)
	dir := t.TempDir()
	src, data := interopSource(t, dir)

	dst := filepath.Join(dir, "disk.luks")
	testutil.QemuConvert(t, "raw", "luks", src, dst,
		"--object", "secret,id=sec0,data="+testPassword,
		"-o", "key-secret=sec0,iter-time=10")

	verifyContent(t, dst, TypeLUKS, data, WithPassword(testPassword))

	for _, opts := range [][]Option{nil, {WithPassword("wrong")}} {
		if _, err := Open([]string{dst}, opts...); !errors.Is(err, ErrCredentials) {
			t.Errorf("got %v, want ErrCredentials", err)
		}
	}
}
