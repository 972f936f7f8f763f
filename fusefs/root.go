// Package fusefs projects a dedupfs.FileSystem as a POSIX mount via
// github.com/hanwen/go-fuse/v2: a single flat root directory, regular
// files only, append-only sequential writes, and a two-tier write-back
// cache.
package fusefs

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/dedupfs"
)

// ChunkerFactory builds a fresh chunker for a newly created or opened
// write handle; supplied by the caller so the mount can be pointed at
// any of the chunk package's algorithms.
type ChunkerFactory func() chunk.Chunker

// Root is the single flat directory every file lives under (inode 1).
type Root struct {
	fs.Inode

	dfs        *dedupfs.FileSystem
	newChunker ChunkerFactory
	log        *zap.Logger

	mu         sync.Mutex
	byName     map[string]*FileNode
	nextInode  uint64
	nextFh     uint64
	totalCache int64
}

var (
	_ fs.InodeEmbedder = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeCreater   = (*Root)(nil)
	_ fs.NodeGetattrer = (*Root)(nil)
)

// NewRoot builds a Root over dfs. log may be nil.
func NewRoot(dfs *dedupfs.FileSystem, newChunker ChunkerFactory, log *zap.Logger) *Root {
	if log == nil {
		log = zap.NewNop()
	}
	return &Root{
		dfs:        dfs,
		newChunker: newChunker,
		log:        log,
		byName:     make(map[string]*FileNode),
		nextInode:  2, // 1 is reserved for the root itself
		nextFh:     1,
	}
}

// MountOptions builds the fuse.MountOptions this adapter requires,
// advertising a 128 MiB max write (the kernel may negotiate down).
func MountOptions(fsName string) *fs.Options {
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:   fsName,
			Name:     "cdcstore",
			MaxWrite: MaxWrite,
		},
	}
}

func (r *Root) allocInode() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nextInode
	r.nextInode++
	return n
}

func (r *Root) allocFh() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	fh := r.nextFh
	r.nextFh++
	return fh
}

// lookupOrAdopt returns the in-memory FileNode for name, synthesizing
// one from dedupfs's file layer if this is the first FUSE access to a
// file that already existed in the backing store (e.g. reopening a
// mount). Adopted files have no recorded owner (ownership isn't part
// of the backing store's data model), so they come back owned by root.
func (r *Root) lookupOrAdopt(ctx context.Context, name string) (*FileNode, bool) {
	r.mu.Lock()
	n, ok := r.byName[name]
	r.mu.Unlock()
	if ok {
		return n, true
	}
	if !r.dfs.FileExists(name) {
		return nil, false
	}
	size, err := r.dfs.FileSize(name)
	if err != nil {
		return nil, false
	}
	now := time.Now()
	node := &FileNode{
		root:  r,
		name:  name,
		inum:  r.allocInode(),
		size:  size,
		mode:  0o644,
		atime: now, mtime: now, ctime: now,
	}
	r.mu.Lock()
	r.byName[name] = node
	r.mu.Unlock()
	return node, true
}

// Lookup implements fs.NodeLookuper.
func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, ok := r.lookupOrAdopt(ctx, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	stable := fs.StableAttr{Mode: syscall.S_IFREG, Ino: node.inum}
	child := r.NewInode(ctx, node, stable)
	node.fillEntryOut(out)
	return child, 0
}

// Getattr implements fs.NodeGetattrer for the root directory itself.
func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o755
	out.Ino = 1
	return 0
}

// Readdir implements fs.NodeReaddirer: a flat listing of every file
// dedupfs currently knows about.
func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names := r.dfs.ListFiles()
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		node, ok := r.lookupOrAdopt(ctx, name)
		if !ok {
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: name, Ino: node.inum, Mode: syscall.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// Create implements fs.NodeCreater: atomically creates the underlying
// file, assigns a fresh inode, and allocates a file handle.
func (r *Root) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	r.mu.Lock()
	_, exists := r.byName[name]
	r.mu.Unlock()
	if exists || r.dfs.FileExists(name) {
		return nil, nil, 0, syscall.EEXIST
	}

	h, err := r.dfs.CreateFile(name, r.newChunker(), true)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	var uid, gid uint32
	if caller, ok := fuse.FromContext(ctx); ok {
		uid, gid = caller.Uid, caller.Gid
	}

	now := time.Now()
	node := &FileNode{
		root: r, name: name, inum: r.allocInode(),
		mode: mode, uid: uid, gid: gid,
		atime: now, mtime: now, ctime: now,
		writeHandle: h,
	}
	r.mu.Lock()
	r.byName[name] = node
	r.mu.Unlock()

	stable := fs.StableAttr{Mode: syscall.S_IFREG, Ino: node.inum}
	child := r.NewInode(ctx, node, stable)
	node.fillEntryOut(out)

	fh := &FuseFileHandle{node: node, fh: r.allocFh(), inode: node.inum, readFlag: true, writeFlag: true}
	node.mu.Lock()
	node.openHandles++
	node.mu.Unlock()

	return child, fh, 0, 0
}

// shrinkCaches flushes open files' caches until the mount-wide total
// drops back under FilesystemCacheMax.
func (r *Root) shrinkCaches(exclude *FileNode) {
	r.mu.Lock()
	if r.totalCache <= FilesystemCacheMax {
		r.mu.Unlock()
		return
	}
	nodes := make([]*FileNode, 0, len(r.byName))
	for _, n := range r.byName {
		if n != exclude {
			nodes = append(nodes, n)
		}
	}
	r.mu.Unlock()

	for _, n := range nodes {
		r.mu.Lock()
		over := r.totalCache > FilesystemCacheMax
		r.mu.Unlock()
		if !over {
			return
		}
		n.flushCache()
	}
}

func (r *Root) addCacheUsage(delta int64) {
	r.mu.Lock()
	r.totalCache += delta
	r.mu.Unlock()
}
