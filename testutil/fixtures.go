package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// RandomBytes generates deterministic random bytes from a seed.
func RandomBytes(seed int64, size int) []byte {
	data := make([]byte, size)
	// Simple LCG for reproducible "random" data
	state := uint64(seed)
	for i := range data {
		state = state*6364136223846793005 + 1442695040888963407
		data[i] = byte(state >> 56)
	}
	return data
}

// WriteFile writes data to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

// SplitFile writes data across len(sizes) segment files. Segment i holds
// sizes[i] bytes and is named by format, which receives the 1-based index
// (for example "evidence.%03d"). It returns the segment paths in order.
func SplitFile(t *testing.T, dir, format string, data []byte, sizes ...int) []string {
	t.Helper()
	var paths []string
	off := 0
	for i, sz := range sizes {
		if off+sz > len(data) {
			t.Fatalf("SplitFile: segment %d overruns data", i+1)
		}
		name := fmt.Sprintf(format, i+1)
		paths = append(paths, WriteFile(t, dir, name, data[off:off+sz]))
		off += sz
	}
	if off != len(data) {
		t.Fatalf("SplitFile: %d bytes left over", len(data)-off)
	}
	return paths
}

// TempImage creates a temporary file path for an image.
func TempImage(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

// FileExists returns true if the file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSize returns the size of a file.
func FileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat file %s: %v", path, err)
	}
	return info.Size()
}
