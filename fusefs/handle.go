package fusefs

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cdcstore/cdcstore/vfs"
)

// FuseFileHandle is one open file descriptor against a FileNode. Reads
// go through a private read-only vfs.FileHandle (lazily opened, since
// the node's shared writeHandle may not exist for a read-only
// descriptor); writes go through the node's shared writeHandle so the
// chunker's remainder survives across descriptors, per the design note
// in filenode.go.
type FuseFileHandle struct {
	node  *FileNode
	fh    uint64
	inode uint64

	readFlag, writeFlag bool

	mu         sync.Mutex
	readHandle *vfs.FileHandle
}

var (
	_ fs.FileHandle   = (*FuseFileHandle)(nil)
	_ fs.FileReader   = (*FuseFileHandle)(nil)
	_ fs.FileWriter   = (*FuseFileHandle)(nil)
	_ fs.FileReleaser = (*FuseFileHandle)(nil)
	_ fs.FileFlusher  = (*FuseFileHandle)(nil)
	_ fs.FileFsyncer  = (*FuseFileHandle)(nil)
)

func (h *FuseFileHandle) ensureReadHandle() (*vfs.FileHandle, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readHandle != nil {
		return h.readHandle, 0
	}
	rh, err := h.node.root.dfs.OpenFileReadonly(h.node.name)
	if err != nil {
		return nil, toErrno(err)
	}
	h.readHandle = rh
	return rh, 0
}

// Read implements fs.FileReader: splices the already-committed content
// (fetched through a read-only handle over the same file) with the
// node's yet-to-be-flushed append cache, so a reader observes its own
// unflushed writes.
func (h *FuseFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if !h.readFlag {
		return nil, syscall.EACCES
	}

	rh, errno := h.ensureReadHandle()
	if errno != 0 {
		return nil, errno
	}

	committed, err := h.node.root.dfs.ReadFileComplete(rh)
	if err != nil {
		return nil, toErrno(err)
	}

	h.node.mu.Lock()
	wh := h.node.writeHandle
	cache := append([]byte(nil), h.node.cache...)
	h.node.atime = time.Now()
	h.node.mu.Unlock()

	// committed covers the spans already in the store; the write
	// chunker may still be carrying a tail that was flushed out of the
	// cache but not yet cut into a chunk. Splice all three pieces so a
	// reader observes every byte written so far.
	full := committed
	if wh != nil {
		full = append(full, wh.Remainder()...)
	}
	full = append(full, cache...)
	if off >= int64(len(full)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(full)) {
		end = int64(len(full))
	}
	return fuse.ReadResultData(full[off:end]), 0
}

// Write implements fs.FileWriter, enforcing the sequential append-only
// rule: data may only land exactly at the file's current end.
func (h *FuseFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if !h.writeFlag {
		return 0, syscall.EACCES
	}
	if off != h.node.currentSize() {
		return 0, syscall.EINVAL
	}
	return h.node.appendToCache(data)
}

// Flush implements fs.FileFlusher (called on every close(2), possibly
// more than once per Release).
func (h *FuseFileHandle) Flush(ctx context.Context) syscall.Errno {
	if !h.writeFlag {
		return 0
	}
	return h.node.flushCacheErrno()
}

// Fsync implements fs.FileFsyncer.
func (h *FuseFileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if !h.writeFlag {
		return 0
	}
	return h.node.flushCacheErrno()
}

// Release implements fs.FileReleaser: flushes any pending cache,
// retires this descriptor's slot on the node, and — once the last
// descriptor is gone — closes the shared underlying write handle,
// which commits the chunker's remainder as the file's final chunk.
func (h *FuseFileHandle) Release(ctx context.Context) syscall.Errno {
	var errno syscall.Errno
	if h.writeFlag {
		errno = h.node.flushCacheErrno()
	}

	h.node.mu.Lock()
	h.node.openHandles--
	var toClose *vfs.FileHandle
	if h.node.openHandles == 0 && h.node.writeHandle != nil {
		toClose = h.node.writeHandle
		h.node.writeHandle = nil
	}
	h.node.mu.Unlock()

	if toClose != nil {
		if _, err := h.node.root.dfs.CloseFile(toClose); err != nil && errno == 0 {
			errno = toErrno(err)
		}
	}
	return errno
}
