package fusefs

import (
	"errors"
	"syscall"

	"github.com/cdcstore/cdcstore/dedupfs"
)

// toErrno translates a dedupfs facade error (or nil) into the
// corresponding errno.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, dedupfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, dedupfs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, dedupfs.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, dedupfs.ErrInvalidInput), errors.Is(err, dedupfs.ErrInvalidData):
		return syscall.EINVAL
	case errors.Is(err, dedupfs.ErrOutOfMemory):
		return syscall.ENOSPC
	default:
		return syscall.EIO
	}
}
