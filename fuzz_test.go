package evidence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// FuzzSparseExtent fuzzes VMDK sparse header parsing and grain lookup.
func FuzzSparseExtent(f *testing.F) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i)
	}
	f.Add(buildSparseVMDK(f, data, 8, 16, false))
	f.Add(buildSparseVMDK(f, data, 8, 16, true))
	f.Add(encodeSparseHeader(sparseHeader{Version: 1, GrainSize: 8, NumGTEsPerGT: 512, GDOffset: vmdkGDAtEnd}))

	f.Fuzz(func(t *testing.T, file []byte) {
		e, err := openSparseExtent(bytes.NewReader(file), int64(len(file)))
		if err != nil {
			return
		}
		size := e.size()
		if size <= 0 {
			return
		}
		// Must not panic
		buf := make([]byte, min(size, 4096))
		e.ReadAt(buf, 0)
		e.ReadAt(buf[:min(int64(len(buf)), 512)], size-min(size, 512))
		e.embeddedDescriptor()
	})
}

// FuzzDescriptor fuzzes VMDK text descriptor parsing.
func FuzzDescriptor(f *testing.F) {
	f.Add([]byte("# Disk DescriptorFile\nversion=1\nCID=fffffffe\nparentCID=ffffffff\ncreateType=\"monolithicFlat\"\nRW 2048 FLAT \"disk-flat.vmdk\" 0\n"))
	f.Add([]byte("RW 4 ZERO\nRDONLY 10 SPARSE \"a b.vmdk\"\n"))
	f.Add([]byte("RW x FLAT \"\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		d, err := parseDescriptor(data)
		if err != nil {
			return
		}
		for _, ext := range d.Extents {
			if ext.Kind != extentZero && ext.File == "" {
				t.Errorf("extent %+v has no file", ext)
			}
		}
	})
}

// FuzzEWFVolume fuzzes the EWF section walk.
func FuzzEWFVolume(f *testing.F) {
	v := ewfVolume{chunkCount: 1, sectorsPerChunk: 64, bytesPerSector: 512, sectorCount: 64}
	f.Add(ewfHeaderWithVolume("volume", v))
	f.Add(ewfHeaderWithVolume("disk", v))
	f.Add(ewfHeaderWithVolume("done", v))

	f.Fuzz(func(t *testing.T, data []byte) {
		vol, err := readEWFVolume(bytes.NewReader(data))
		if err != nil {
			return
		}
		if vol.bytesPerSector == 0 || vol.sectorCount == 0 {
			t.Errorf("accepted empty volume %+v", vol)
		}
	})
}

// FuzzOpen fuzzes detection and reading of arbitrary files.
func FuzzOpen(f *testing.F) {
	f.Add(make([]byte, 4096))
	f.Add(append([]byte("LUKS\xba\xbe\x00\x01"), make([]byte, 1024)...))
	f.Add(append([]byte("QFI\xfb\x00\x00\x00\x03"), make([]byte, 1024)...))
	f.Add(append(append([]byte{}, ewfMagic...), make([]byte, 1024)...))
	f.Add([]byte("# Disk DescriptorFile\nRW 4 ZERO\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) == 0 {
			return
		}
		path := filepath.Join(t.TempDir(), "fuzz.img")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		img, err := Open([]string{path}, WithPassword("fuzz"))
		if err != nil {
			return
		}
		defer img.Close()
		// Must not panic
		buf := make([]byte, min(img.Size(), 1<<20))
		img.ReadAt(buf, 0)
	})
}
