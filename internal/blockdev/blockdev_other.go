//go:build !linux

package blockdev

import "os"

// DefaultBlockSize is used for regular files.
const DefaultBlockSize = 512

// BlockSize always returns DefaultBlockSize on non-Linux platforms;
// BLKSSZGET has no portable equivalent.
func BlockSize(f *os.File) (int64, error) {
	return DefaultBlockSize, nil
}
