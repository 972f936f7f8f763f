package dedupfs

import "errors"

// Sentinel errors surfaced by every FileSystem operation.
var (
	ErrNotFound         = errors.New("dedupfs: not found")
	ErrAlreadyExists    = errors.New("dedupfs: already exists")
	ErrPermissionDenied = errors.New("dedupfs: permission denied")
	ErrInvalidInput     = errors.New("dedupfs: invalid input")
	ErrInvalidData      = errors.New("dedupfs: invalid data")
	ErrOutOfMemory      = errors.New("dedupfs: out of memory")
)
