// Package dedupfs wires the vfs, pipeline, and scrub packages into a
// single file-system facade, translating their errors into dedupfs's
// own sentinel set.
package dedupfs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/digest"
	"github.com/cdcstore/cdcstore/pipeline"
	"github.com/cdcstore/cdcstore/scrub"
	"github.com/cdcstore/cdcstore/store"
	"github.com/cdcstore/cdcstore/vfs"
)

// FileSystem is the facade a FUSE adapter or any other front-end
// drives. It owns everything; no package-level state is shared across
// instances.
type FileSystem struct {
	layer   *vfs.Layer
	storage *pipeline.Storage
}

// New builds a FileSystem over storage, with an empty file layer.
func New(storage *pipeline.Storage) *FileSystem {
	return &FileSystem{layer: vfs.NewLayer(storage), storage: storage}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vfs.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, vfs.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, vfs.ErrPermissionDenied):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, vfs.ErrInvalidInput), errors.Is(err, pipeline.ErrNotIterable):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, store.ErrInvalidData):
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	case errors.Is(err, store.ErrOutOfMemory):
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	default:
		return err
	}
}

// FileExists reports whether name is registered in the file layer.
func (fs *FileSystem) FileExists(name string) bool {
	return fs.layer.FileExists(name)
}

// OpenFile opens name for writing, positioned for append.
func (fs *FileSystem) OpenFile(name string, c chunk.Chunker) (*vfs.FileHandle, error) {
	h, err := fs.layer.Open(name, c)
	return h, mapErr(err)
}

// OpenFileReadonly opens name for reading only.
func (fs *FileSystem) OpenFileReadonly(name string) (*vfs.FileHandle, error) {
	h, err := fs.layer.OpenReadonly(name)
	return h, mapErr(err)
}

// CreateFile creates (or replaces, if createNew) name and returns a
// write handle over it.
func (fs *FileSystem) CreateFile(name string, c chunk.Chunker, createNew bool) (*vfs.FileHandle, error) {
	h, err := fs.layer.Create(name, c, createNew)
	return h, mapErr(err)
}

// WriteToFile writes data through h.
func (fs *FileSystem) WriteToFile(h *vfs.FileHandle, data []byte) (pipeline.SpansInfo, error) {
	info, err := fs.layer.Write(h, data)
	return info, mapErr(err)
}

// WriteFromStream drains r through h.
func (fs *FileSystem) WriteFromStream(h *vfs.FileHandle, r io.Reader) ([]pipeline.SpansInfo, error) {
	infos, err := fs.layer.WriteFromStream(h, r)
	return infos, mapErr(err)
}

// CloseFile flushes h's chunker remainder and returns the chunk/hash
// time accumulated across its whole lifetime. Closing a read-only
// handle has nothing to flush and reports zero measurements. Fails
// ErrNotFound if h's file was cleared while the handle was open.
func (fs *FileSystem) CloseFile(h *vfs.FileHandle) (pipeline.WriteMeasurements, error) {
	if !fs.layer.FileExists(h.Name()) {
		return pipeline.WriteMeasurements{}, fmt.Errorf("%w: %s", ErrNotFound, h.Name())
	}
	if h.Writable() {
		if _, err := fs.layer.Flush(h); err != nil {
			return pipeline.WriteMeasurements{}, mapErr(err)
		}
	}
	return h.Measurements(), nil
}

// ReadFileComplete reassembles h's file in full.
func (fs *FileSystem) ReadFileComplete(h *vfs.FileHandle) ([]byte, error) {
	hashes := fs.layer.ReadComplete(h)
	data, err := fs.storage.Read(hashes)
	return data, mapErr(err)
}

// ReadFromFile streams the next SegSize-bounded window of h's file.
func (fs *FileSystem) ReadFromFile(h *vfs.FileHandle) ([]byte, error) {
	hashes := fs.layer.Read(h)
	if len(hashes) == 0 {
		return nil, nil
	}
	data, err := fs.storage.Read(hashes)
	return data, mapErr(err)
}

// ListFiles lists every registered file name.
func (fs *FileSystem) ListFiles() []string {
	return fs.layer.ListFiles()
}

// FileSize reports name's current logical byte length.
func (fs *FileSystem) FileSize(name string) (int64, error) {
	n, err := fs.layer.FileSize(name)
	return n, mapErr(err)
}

// ChunkCountDistribution reports h's per-hash (count, length) map.
func (fs *FileSystem) ChunkCountDistribution(h *vfs.FileHandle) map[string]vfs.ChunkCount {
	return fs.layer.ChunkCountDistribution(h)
}

// Scrub runs the configured scrubber against the primary/target
// stores. Fails ErrInvalidInput if the primary store is not iterable.
func (fs *FileSystem) Scrub() (scrub.Measurements, error) {
	m, err := fs.storage.RunScrub()
	return m, mapErr(err)
}

// CDCDedupRatio reports size_written / total_cdc_size.
func (fs *FileSystem) CDCDedupRatio() (float64, error) {
	r, err := fs.storage.CDCDedupRatio()
	return r, mapErr(err)
}

// FullCDCDedupRatio is an alias of CDCDedupRatio.
func (fs *FileSystem) FullCDCDedupRatio() (float64, error) {
	return fs.CDCDedupRatio()
}

// TotalDedupRatio reports size_written / (total_cdc_size + scrubbed_size).
func (fs *FileSystem) TotalDedupRatio() (float64, error) {
	r, err := fs.storage.TotalDedupRatio()
	return r, mapErr(err)
}

// AverageChunkSize reports total_cdc_size / (# Chunk containers).
func (fs *FileSystem) AverageChunkSize() (float64, error) {
	r, err := fs.storage.AverageChunkSize()
	return r, mapErr(err)
}

// StorageIterator exposes the primary store's Iterate for external
// tooling. Fails ErrInvalidInput if the primary store is not
// iterable.
func (fs *FileSystem) StorageIterator(fn func(key string, v store.DataContainer) bool) error {
	iter, ok := fs.storage.Primary.(store.IterableDatabase)
	if !ok {
		return ErrInvalidInput
	}
	iter.Iterate(fn)
	return nil
}

// ClearDatabase clears the file layer and the primary store,
// invalidating every open handle. The target store is left untouched,
// so anything already scrubbed into it becomes unreachable garbage;
// use ClearFileSystem to clear the target store too. Fails
// ErrInvalidInput if the primary store is not iterable.
func (fs *FileSystem) ClearDatabase() error {
	iter, ok := fs.storage.Primary.(store.IterableDatabase)
	if !ok {
		return ErrInvalidInput
	}
	fs.layer.Clear()
	iter.Clear()
	return nil
}

// ClearFileSystem clears the whole file system: the file layer, the
// primary store, and the target store. Any handle held across this
// call sees undefined behavior. Fails ErrInvalidInput if either store
// is not iterable.
func (fs *FileSystem) ClearFileSystem() error {
	primary, ok := fs.storage.Primary.(store.IterableDatabase)
	if !ok {
		return ErrInvalidInput
	}
	var target store.IterableDatabase
	if fs.storage.Target != nil {
		target, ok = fs.storage.Target.(store.IterableDatabase)
		if !ok {
			return ErrInvalidInput
		}
	}
	fs.layer.Clear()
	primary.Clear()
	if target != nil {
		target.Clear()
	}
	return nil
}

// GetToDedupRatio is the benchmark dataset-synthesis helper on the
// file layer; see vfs.Layer.GetToDedupRatio.
func (fs *FileSystem) GetToDedupRatio(name string, ratio float64) (string, error) {
	n, err := fs.layer.GetToDedupRatio(name, ratio)
	return n, mapErr(err)
}

// WriteFileToDisk streams h's file to path on disk, one
// SegSize-bounded window at a time. Fails if path already exists.
func (fs *FileSystem) WriteFileToDisk(h *vfs.FileHandle, path string) (int, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("dedupfs: create output file: %w", err)
	}
	defer f.Close()

	total := 0
	for {
		data, err := fs.ReadFromFile(h)
		if err != nil {
			return total, err
		}
		if len(data) == 0 {
			return total, nil
		}
		if _, err := f.Write(data); err != nil {
			return total, fmt.Errorf("dedupfs: write file to disk: %w", err)
		}
		total += len(data)
	}
}

// ExportManifest/ImportManifest round-trip a file's span list as JSON,
// so span lists can be persisted or moved between instances.
func (fs *FileSystem) ExportManifest(name string) ([]byte, error) {
	data, err := fs.layer.ExportManifest(name)
	return data, mapErr(err)
}

func (fs *FileSystem) ImportManifest(data []byte) (string, error) {
	name, err := fs.layer.ImportManifest(data)
	return name, mapErr(err)
}

// Hasher exposes the digest.Hasher the backing pipeline uses.
func (fs *FileSystem) Hasher() digest.Hasher { return fs.storage.Hasher }
