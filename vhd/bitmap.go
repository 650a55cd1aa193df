package vhd

import (
	"math/bits"
)

// sectorBitmap tracks which sectors of one block have been written.
// The byte layout matches the on-disk bitmap: sector 0 is the most
// significant bit of byte 0.
type sectorBitmap struct {
	// data is the bitmap exactly as stored before the block's data.
	data []byte

	// sectors is the number of valid sectors in the block. The final block
	// of a disk may hold fewer sectors than the block size allows.
	sectors int

	// set is the number of valid sectors whose bit is set.
	set int
}

// newSectorBitmap creates a cleared bitmap of the given on-disk size.
func newSectorBitmap(size int64, sectors int) *sectorBitmap {
	return &sectorBitmap{
		data:    make([]byte, size),
		sectors: sectors,
	}
}

// test reports whether sector i is marked written.
func (b *sectorBitmap) test(i int) bool {
	return b.data[i/8]&(0x80>>(i%8)) != 0
}

// mark sets sector i and reports whether it was previously clear.
func (b *sectorBitmap) mark(i int) bool {
	mask := byte(0x80 >> (i % 8))
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	b.set++
	return true
}

// full reports whether every valid sector has been written.
func (b *sectorBitmap) full() bool {
	return b.set >= b.sectors
}

// span returns the byte range of the bitmap covering sectors [first, last].
func (b *sectorBitmap) span(first, last int) (int, []byte) {
	lo, hi := first/8, last/8+1
	return lo, b.data[lo:hi]
}

// countSet counts set bits among the first n sectors of an on-disk bitmap.
func countSet(data []byte, n int) int {
	count := 0
	whole := n / 8
	for _, c := range data[:whole] {
		count += bits.OnesCount8(c)
	}
	if rem := n % 8; rem != 0 {
		count += bits.OnesCount8(data[whole] & ^byte(0xFF>>rem))
	}
	return count
}
