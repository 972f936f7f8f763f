//go:build linux

// Package blockdev probes the sector size of the device backing an
// open file, distinguishing a raw block device (queried via the
// BLKSSZGET ioctl) from a regular file (a fixed default).
package blockdev

import (
	"os"

	"golang.org/x/sys/unix"
)

// DefaultBlockSize is used for regular files.
const DefaultBlockSize = 512

// BlockSize reports the block size to align store.Disk's records to.
// For a regular file it returns DefaultBlockSize; for a block device
// it queries the kernel via BLKSSZGET.
func BlockSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return DefaultBlockSize, nil
	}

	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, err
	}
	return int64(sz), nil
}
