package fusefs

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/cdcstore/cdcstore/vfs"
)

// FileNode is a regular file's in-memory presence: its logical size as
// already handed to the pipeline, plus an append-only write-back
// cache of bytes not yet flushed through the pipeline. A single
// writeHandle is shared across every FUSE file descriptor opened
// against this node: the underlying chunker's remainder state only
// survives as long as one write chain stays alive, so reopening a node
// for append reuses it rather than starting a fresh, discontinuous
// chunker.
type FileNode struct {
	fs.Inode

	root *Root
	name string
	inum uint64

	mu                  sync.Mutex
	size                int64 // bytes handed to the pipeline: committed spans + the chunker's live remainder
	mode                uint32
	uid, gid            uint32
	atime, mtime, ctime time.Time
	gen                 uint64 // bumped per write, for NFS-style handle validation
	writeHandle         *vfs.FileHandle
	cache               []byte // append-only buffer, not yet through the pipeline
	openHandles         int
}

var (
	_ fs.InodeEmbedder = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeSetattrer = (*FileNode)(nil)
	_ fs.NodeOpener    = (*FileNode)(nil)
	_ fs.NodeAccesser  = (*FileNode)(nil)
)

// POSIX access() mask bits, as delivered by the kernel's ACCESS request.
const (
	rOK = 4
	wOK = 2
	xOK = 1
)

// Access implements fs.NodeAccesser: standard rwx bits checked against
// the request's UID/GID. Root bypasses read and write but still needs
// an exec bit set somewhere in mode to exec.
func (n *FileNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	n.mu.Lock()
	mode, uid, gid := n.mode, n.uid, n.gid
	n.mu.Unlock()

	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return 0
	}
	return checkAccess(mode, uid, gid, caller, mask)
}

func checkAccess(mode, uid, gid uint32, caller *fuse.Caller, mask uint32) syscall.Errno {
	if caller.Uid == 0 {
		if mask&xOK != 0 && mode&0o111 == 0 {
			return syscall.EACCES
		}
		return 0
	}

	var bits uint32
	switch {
	case caller.Uid == uid:
		bits = (mode >> 6) & 0o7
	case caller.Gid == gid:
		bits = (mode >> 3) & 0o7
	default:
		bits = mode & 0o7
	}

	if mask&^bits != 0 {
		return syscall.EACCES
	}
	return 0
}

func (n *FileNode) fillEntryOut(out *fuse.EntryOut) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out.Ino = n.inum
	out.Generation = n.gen
	out.Attr.Ino = n.inum
	out.Attr.Mode = syscall.S_IFREG | n.mode
	out.Attr.Size = uint64(n.size + int64(len(n.cache)))
	out.Attr.Blksize = BlockSize
	out.Attr.Blocks = (out.Attr.Size + BlockSize - 1) / BlockSize
	out.Attr.Uid = n.uid
	out.Attr.Gid = n.gid
	setTimes(&out.Attr, n.atime, n.mtime, n.ctime)
}

func setTimes(a *fuse.Attr, atime, mtime, ctime time.Time) {
	a.Atime = uint64(atime.Unix())
	a.Atimensec = uint32(atime.Nanosecond())
	a.Mtime = uint64(mtime.Unix())
	a.Mtimensec = uint32(mtime.Nanosecond())
	a.Ctime = uint64(ctime.Unix())
	a.Ctimensec = uint32(ctime.Nanosecond())
}

// Getattr implements fs.NodeGetattrer.
func (n *FileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()
	out.Ino = n.inum
	out.Attr.Ino = n.inum
	out.Attr.Mode = syscall.S_IFREG | n.mode
	out.Attr.Size = uint64(n.size + int64(len(n.cache)))
	out.Attr.Blksize = BlockSize
	out.Attr.Blocks = (out.Attr.Size + BlockSize - 1) / BlockSize
	out.Attr.Uid = n.uid
	out.Attr.Gid = n.gid
	setTimes(&out.Attr, n.atime, n.mtime, n.ctime)
	return 0
}

// Setattr implements fs.NodeSetattrer: permits mode and timestamp
// changes and a truncate to the file's own current size (a no-op, used
// by editors that re-touch a file they just wrote). Any other size
// change is rejected since the store is append-only. Mode changes
// require the caller's UID to match the file's owner, or root.
func (n *FileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sz, ok := in.GetSize(); ok {
		cur := uint64(n.size + int64(len(n.cache)))
		if sz != cur {
			return syscall.EINVAL
		}
	}
	if mode, ok := in.GetMode(); ok {
		if caller, ok := fuse.FromContext(ctx); ok && caller.Uid != 0 && caller.Uid != n.uid {
			return syscall.EPERM
		}
		n.mode = mode & 0o777
	}
	if atime, ok := in.GetATime(); ok {
		n.atime = atime
	}
	if mtime, ok := in.GetMTime(); ok {
		n.mtime = mtime
	}
	n.ctime = time.Now()

	out.Ino = n.inum
	out.Attr.Ino = n.inum
	out.Attr.Mode = syscall.S_IFREG | n.mode
	out.Attr.Size = uint64(n.size + int64(len(n.cache)))
	out.Attr.Uid = n.uid
	out.Attr.Gid = n.gid
	setTimes(&out.Attr, n.atime, n.mtime, n.ctime)
	return 0
}

// Open implements fs.NodeOpener. Read-only opens need no store handle;
// a write-capable open lazily establishes n.writeHandle the first time
// any descriptor on this node needs to write.
func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	wantWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0

	n.mu.Lock()
	defer n.mu.Unlock()

	if flags&syscall.O_TRUNC != 0 {
		if !wantWrite {
			return nil, 0, syscall.EACCES
		}
		// The span model is append-only; truncating existing content
		// cannot be honored.
		if n.size+int64(len(n.cache)) > 0 {
			return nil, 0, syscall.EINVAL
		}
	}

	if wantWrite && n.writeHandle == nil {
		h, err := n.root.dfs.OpenFile(n.name, n.root.newChunker())
		if err != nil {
			return nil, 0, toErrno(err)
		}
		n.writeHandle = h
	}
	n.openHandles++

	fh := &FuseFileHandle{
		node:      n,
		fh:        n.root.allocFh(),
		inode:     n.inum,
		readFlag:  flags&syscall.O_WRONLY == 0,
		writeFlag: wantWrite,
	}
	return fh, 0, 0
}

// appendToCache appends data to n's write-back cache (assumed already
// mode-checked and offset-checked by the caller) and flushes through
// the store once either cache threshold is exceeded.
func (n *FileNode) appendToCache(data []byte) (uint32, syscall.Errno) {
	n.mu.Lock()
	n.cache = append(n.cache, data...)
	now := time.Now()
	n.mtime = now
	n.ctime = now
	n.gen++
	grown := len(data)
	overFile := len(n.cache) >= FileCacheMax
	n.mu.Unlock()

	n.root.addCacheUsage(int64(grown))

	if overFile {
		if errno := n.flushCacheErrno(); errno != 0 {
			return 0, errno
		}
	} else {
		n.root.shrinkCaches(n)
	}
	return uint32(grown), 0
}

// flushCache commits n's pending cache through the pipeline and clears
// it, logging but swallowing any error — used from the best-effort
// cache-shrink path. flushCacheErrno is the error-returning variant used
// from a write call's own over-threshold flush and from Release.
func (n *FileNode) flushCache() {
	if errno := n.flushCacheErrno(); errno != 0 {
		n.root.log.Warn("cache shrink flush failed", zap.String("file", n.name), zap.Error(errno))
	}
}

func (n *FileNode) flushCacheErrno() syscall.Errno {
	n.mu.Lock()
	if len(n.cache) == 0 {
		n.mu.Unlock()
		return 0
	}
	pending := n.cache
	h := n.writeHandle
	n.mu.Unlock()

	if h == nil {
		return syscall.EBADF
	}

	if _, err := n.root.dfs.WriteToFile(h, pending); err != nil {
		return toErrno(err)
	}

	// Every pending byte is now either a committed span or the
	// chunker's carried remainder; both count toward the file size.
	n.mu.Lock()
	n.size += int64(len(pending))
	n.cache = n.cache[len(pending):]
	n.mu.Unlock()

	n.root.addCacheUsage(-int64(len(pending)))
	return 0
}

// currentSize reports the node's logical size including uncommitted
// cache bytes.
func (n *FileNode) currentSize() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size + int64(len(n.cache))
}
