package vhd

import (
	"errors"
	"testing"
	"time"
)

func TestFooterRoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFooter(10*1024*1024, DiskTypeDynamic, created, "test")
	data := f.Encode()

	if len(data) != FooterSize {
		t.Fatalf("encoded footer is %d bytes, want %d", len(data), FooterSize)
	}
	if string(data[0:8]) != "conectix" {
		t.Errorf("cookie = %q", data[0:8])
	}

	got, err := ParseFooter(data)
	if err != nil {
		t.Fatalf("ParseFooter failed: %v", err)
	}
	if got.CurrentSize != 10*1024*1024 {
		t.Errorf("CurrentSize = %d", got.CurrentSize)
	}
	if got.DiskType != DiskTypeDynamic {
		t.Errorf("DiskType = %d", got.DiskType)
	}
	if got.DataOffset != FooterSize {
		t.Errorf("DataOffset = %d, want %d", got.DataOffset, FooterSize)
	}
	if !got.Time().Equal(created) {
		t.Errorf("Time = %v, want %v", got.Time(), created)
	}
	if got.UniqueID != f.UniqueID {
		t.Errorf("UniqueID = %v, want %v", got.UniqueID, f.UniqueID)
	}
	if string(got.CreatorApp[:]) != "test" {
		t.Errorf("CreatorApp = %q", got.CreatorApp)
	}
}

func TestFooterChecksumMismatch(t *testing.T) {
	data := NewFooter(1<<20, DiskTypeFixed, time.Now(), DefaultCreatorApp).Encode()
	data[48] ^= 0x01

	_, err := ParseFooter(data)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("ParseFooter error = %v, want ErrChecksum", err)
	}
}

func TestFooterBadCookie(t *testing.T) {
	data := make([]byte, FooterSize)
	copy(data, "notavhd!")
	if _, err := ParseFooter(data); !errors.Is(err, ErrInvalidCookie) {
		t.Fatalf("ParseFooter error = %v, want ErrInvalidCookie", err)
	}
}

func TestDynamicHeaderRoundTrip(t *testing.T) {
	h := &DynamicHeader{
		DataOffset:      NoDataOffset,
		TableOffset:     1536,
		HeaderVersion:   headerVersion,
		MaxTableEntries: 5,
		BlockSize:       DefaultBlockSize,
	}
	got, err := ParseDynamicHeader(h.Encode())
	if err != nil {
		t.Fatalf("ParseDynamicHeader failed: %v", err)
	}
	if *got != *h {
		t.Errorf("header = %+v, want %+v", got, h)
	}
	if got.BitmapSize() != 512 {
		t.Errorf("BitmapSize = %d, want 512", got.BitmapSize())
	}
}

func TestDynamicHeaderRejectsBlockSize(t *testing.T) {
	h := &DynamicHeader{TableOffset: 1536, MaxTableEntries: 1, BlockSize: 3000}
	if _, err := ParseDynamicHeader(h.Encode()); !errors.Is(err, ErrBlockSize) {
		t.Fatalf("error = %v, want ErrBlockSize", err)
	}
}

func TestCalculateGeometry(t *testing.T) {
	tests := []struct {
		size int64
		want Geometry
	}{
		{8160 * SectorSize, Geometry{Cylinders: 120, Heads: 4, SectorsPerTrack: 17}},
		{10 * 1024 * 1024, Geometry{Cylinders: 301, Heads: 4, SectorsPerTrack: 17}},
		{200 * 1024 * 1024 * 1024, Geometry{Cylinders: 65535, Heads: 16, SectorsPerTrack: 255}},
	}
	for _, tc := range tests {
		if got := CalculateGeometry(tc.size); got != tc.want {
			t.Errorf("CalculateGeometry(%d) = %+v, want %+v", tc.size, got, tc.want)
		}
	}
}

func TestChecksumSkipsField(t *testing.T) {
	data := []byte{1, 2, 3, 0xAA, 0xBB, 0xCC, 0xDD, 4}
	if got, want := checksum(data, 3), ^uint32(1+2+3+4); got != want {
		t.Errorf("checksum = 0x%x, want 0x%x", got, want)
	}
}
