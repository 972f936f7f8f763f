package dedupfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/digest"
	"github.com/cdcstore/cdcstore/pipeline"
	"github.com/cdcstore/cdcstore/scrub"
	"github.com/cdcstore/cdcstore/store"
)

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	h, err := digest.New("sha256")
	require.NoError(t, err)
	ps := pipeline.NewStorage(store.NewMemory(), h, store.NewMemory(), scrub.Copy{}, nil)
	return New(ps)
}

func TestFileSystem_CreateWriteCloseRead(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(4096)

	h, err := fs.CreateFile("a.bin", c, true)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{5}, 10000)
	_, err = fs.WriteToFile(h, data)
	require.NoError(t, err)
	meas, err := fs.CloseFile(h)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, meas.ChunkTime, time.Duration(0))

	ro, err := fs.OpenFileReadonly("a.bin")
	require.NoError(t, err)
	got, err := fs.ReadFileComplete(ro)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileSystem_CreateAlreadyExists(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(4096)
	_, err := fs.CreateFile("a", c, true)
	require.NoError(t, err)
	_, err = fs.CreateFile("a", c, false)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestFileSystem_OpenMissingNotFound(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.OpenFile("missing", chunk.NewFixed(1024))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystem_WriteReadonlyPermissionDenied(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(4096)
	h, err := fs.CreateFile("a", c, true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, bytes.Repeat([]byte{1}, 4096))
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)

	ro, err := fs.OpenFileReadonly("a")
	require.NoError(t, err)
	_, err = fs.WriteToFile(ro, []byte("x"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestFileSystem_ScrubAndDedupRatios(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(1024)
	h, err := fs.CreateFile("a", c, true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, bytes.Repeat(make([]byte, 1024), 64))
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)

	ratio, err := fs.CDCDedupRatio()
	require.NoError(t, err)
	assert.InDelta(t, 64, ratio, 1)

	full, err := fs.FullCDCDedupRatio()
	require.NoError(t, err)
	assert.Equal(t, ratio, full, "FullCDCDedupRatio should alias CDCDedupRatio")

	_, err = fs.Scrub()
	require.NoError(t, err)

	// After a full scrub every primary container forwards to the
	// target store, so only the combined ratio remains meaningful.
	total, err := fs.TotalDedupRatio()
	require.NoError(t, err)
	assert.InDelta(t, 64, total, 1)

	ro, err := fs.OpenFileReadonly("a")
	require.NoError(t, err)
	got, err := fs.ReadFileComplete(ro)
	require.NoError(t, err)
	assert.Len(t, got, 64*1024, "file must stay readable through forwarded chunks")
}

func TestFileSystem_StorageIteratorAndClear(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(8)
	h, err := fs.CreateFile("a", c, true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, []byte("abcdefgh"))
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)

	seen := 0
	err = fs.StorageIterator(func(key string, v store.DataContainer) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	assert.Greater(t, seen, 0, "expected at least one stored chunk")

	require.NoError(t, fs.ClearDatabase())
	assert.False(t, fs.FileExists("a"), "expected file to be gone after ClearDatabase")
	seen = 0
	fs.StorageIterator(func(key string, v store.DataContainer) bool {
		seen++
		return true
	})
	assert.Equal(t, 0, seen, "expected empty primary store after ClearDatabase")
}

// TestFileSystem_ClearSemantics: ClearDatabase drops the file layer and
// primary store but leaves scrubbed data in the target store;
// ClearFileSystem clears the target store too.
func TestFileSystem_ClearSemantics(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(1024)
	h, err := fs.CreateFile("a", c, true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, bytes.Repeat([]byte{9}, 4096))
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)
	_, err = fs.Scrub()
	require.NoError(t, err)

	target := fs.storage.Target.(store.IterableDatabase)
	require.NotEmpty(t, target.Keys(), "scrub should have populated the target store")

	require.NoError(t, fs.ClearDatabase())
	assert.NotEmpty(t, target.Keys(), "ClearDatabase must not touch the target store")

	require.NoError(t, fs.ClearFileSystem())
	assert.Empty(t, target.Keys(), "ClearFileSystem must clear the target store")
}

// TestFileSystem_WriteAfterClearNotFound: a handle whose file was
// cleared out from under it fails NotFound on every write-side
// operation instead of resurrecting the file.
func TestFileSystem_WriteAfterClearNotFound(t *testing.T) {
	fs := newTestFS(t)
	h, err := fs.CreateFile("a", chunk.NewFixed(4096), true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, []byte("before clear"))
	require.NoError(t, err)

	require.NoError(t, fs.ClearDatabase())

	_, err = fs.WriteToFile(h, []byte("after clear"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.WriteFromStream(h, bytes.NewReader([]byte("after clear")))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fs.CloseFile(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystem_EmptyFile(t *testing.T) {
	fs := newTestFS(t)
	h, err := fs.CreateFile("empty", chunk.NewFixed(4096), true)
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)

	ro, err := fs.OpenFileReadonly("empty")
	require.NoError(t, err)
	got, err := fs.ReadFileComplete(ro)
	require.NoError(t, err)
	assert.Empty(t, got)

	size, err := fs.FileSize("empty")
	require.NoError(t, err)
	assert.Zero(t, size)
}

// TestFileSystem_TinyFileSingleSpan: a single-byte file round-trips
// exactly, and a file smaller than the chunker's Min closes into
// exactly one span.
func TestFileSystem_TinyFileSingleSpan(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFastCDC(chunk.SizeParams{Min: 4096, Avg: 8192, Max: 16384}, 2, nil)
	h, err := fs.CreateFile("tiny", c, true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, []byte{42})
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)

	ro, err := fs.OpenFileReadonly("tiny")
	require.NoError(t, err)
	got, err := fs.ReadFileComplete(ro)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, got)

	dist := fs.ChunkCountDistribution(ro)
	assert.Len(t, dist, 1, "a sub-Min file must close into exactly one span")
}

func TestFileSystem_WriteFileToDisk(t *testing.T) {
	fs := newTestFS(t)
	c := chunk.NewFixed(4)
	h, err := fs.CreateFile("a", c, true)
	require.NoError(t, err)
	_, err = fs.WriteToFile(h, []byte("abcdefgh"))
	require.NoError(t, err)
	_, err = fs.CloseFile(h)
	require.NoError(t, err)

	ro, err := fs.OpenFileReadonly("a")
	require.NoError(t, err)
	dst := filepath.Join(t.TempDir(), "out.bin")
	n, err := fs.WriteFileToDisk(ro, dst)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	written, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), written)

	ro2, err := fs.OpenFileReadonly("a")
	require.NoError(t, err)
	_, err = fs.WriteFileToDisk(ro2, dst)
	assert.Error(t, err, "an existing destination must not be overwritten")
}
