//go:build linux

package evidence

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseRandom tells the kernel that f is read at random offsets, which
// disables readahead on segment files.
func adviseRandom(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
