//go:build linux

package source

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize asks the kernel for the byte size of a block device.
func deviceSize(f *os.File) (int64, error) {
	n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
