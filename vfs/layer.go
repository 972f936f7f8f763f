// Package vfs implements the file layer: a name-to-File registry whose
// handles drive the pipeline package's chunk/hash/store path and record
// the resulting spans in file-logical order.
package vfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/digest"
	"github.com/cdcstore/cdcstore/pipeline"
)

var (
	// ErrNotFound is returned by Open/OpenReadonly for an unknown name,
	// and by write operations on a file cleared out from under a handle.
	ErrNotFound = errors.New("vfs: file not found")
	// ErrAlreadyExists is returned by Create when create_new is false
	// and the name is taken.
	ErrAlreadyExists = errors.New("vfs: file already exists")
	// ErrPermissionDenied is returned when writing through a read-only handle.
	ErrPermissionDenied = errors.New("vfs: permission denied")
	// ErrInvalidInput is returned by GetToDedupRatio for ratio < 1.0.
	ErrInvalidInput = errors.New("vfs: invalid input")
)

// FileSpan is a hashed chunk placed at a logical byte offset within a
// file.
type FileSpan struct {
	Hash   digest.Digest `json:"hash"`
	Offset int64         `json:"offset"`
	Length int           `json:"length"`
}

// File is a name plus its ordered span list. Offsets are contiguous:
// each span starts where the previous one ended.
type File struct {
	Name  string     `json:"name"`
	Spans []FileSpan `json:"spans"`
}

// FileHandle is a live cursor into a File: a write handle carries a
// chunker and tracks the next span's logical offset; a read handle
// tracks how many spans it has already streamed out. A nil chunker
// marks a read-only handle.
type FileHandle struct {
	file         *File
	chunker      chunk.Chunker
	offset       int64 // next write span's logical offset
	readIdx      int   // next span index a streaming Read call will emit
	measurements pipeline.WriteMeasurements
}

// Writable reports whether h carries a chunker (was opened for writing).
func (h *FileHandle) Writable() bool { return h.chunker != nil }

// Name reports the underlying file's name.
func (h *FileHandle) Name() string { return h.file.Name }

// Measurements reports the chunk/hash time accumulated across every
// Write and Flush call made through h.
func (h *FileHandle) Measurements() pipeline.WriteMeasurements { return h.measurements }

// Remainder exposes the write chunker's carried tail: bytes already
// written through h but not yet committed as a span. Nil for read-only
// handles. Front-ends splicing committed content with in-flight writes
// (fusefs) need this to account for every written byte.
func (h *FileHandle) Remainder() []byte {
	if h.chunker == nil {
		return nil
	}
	return h.chunker.Remainder()
}

// ChunkCount is the (count, length) pair ChunkCountDistribution reports
// per distinct hash.
type ChunkCount struct {
	Count  int
	Length int
}

// Layer owns every named File and the pipeline.Storage backing writes
// and reads.
type Layer struct {
	mu    sync.Mutex
	files map[string]*File
	store *pipeline.Storage
}

// NewLayer creates an empty Layer over store.
func NewLayer(store *pipeline.Storage) *Layer {
	return &Layer{files: make(map[string]*File), store: store}
}

// FileExists reports whether name is registered.
func (l *Layer) FileExists(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.files[name]
	return ok
}

// ListFiles returns every registered file name, in no particular order.
func (l *Layer) ListFiles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.files))
	for n := range l.files {
		out = append(out, n)
	}
	return out
}

// Create replaces or creates an empty File named name and returns a
// new write handle over it. Fails ErrAlreadyExists if createNew is
// false and name is already registered.
func (l *Layer) Create(name string, c chunk.Chunker, createNew bool) (*FileHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.files[name]; ok && !createNew {
		return nil, ErrAlreadyExists
	}
	f := &File{Name: name}
	l.files[name] = f
	return &FileHandle{file: f, chunker: c}, nil
}

// Open returns a write-capable handle over an existing file, its write
// cursor positioned past the file's current content.
func (l *Layer) Open(name string, c chunk.Chunker) (*FileHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &FileHandle{file: f, chunker: c, offset: fileLength(f)}, nil
}

// OpenReadonly returns a handle with no chunker; writes through it fail
// ErrPermissionDenied.
func (l *Layer) OpenReadonly(name string) (*FileHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &FileHandle{file: f}, nil
}

// FileSize reports the current logical byte length of a registered file.
func (l *Layer) FileSize(name string) (int64, error) {
	l.mu.Lock()
	f, ok := l.files[name]
	l.mu.Unlock()
	if !ok {
		return 0, ErrNotFound
	}
	return fileLength(f), nil
}

func fileLength(f *File) int64 {
	var total int64
	for _, s := range f.Spans {
		total += int64(s.Length)
	}
	return total
}

// registered reports whether h's file name is still present in the
// layer. A handle can outlive its file when the layer is cleared;
// write-side operations check this first and fail ErrNotFound instead
// of resurrecting the file.
func (l *Layer) registered(h *FileHandle) bool {
	return l.FileExists(h.file.Name)
}

// Write chunks and hashes data through h's chunker, inserts the
// resulting chunks into the backing store, and appends the spans to
// h's file at its running write offset.
func (l *Layer) Write(h *FileHandle, data []byte) (pipeline.SpansInfo, error) {
	if !l.registered(h) {
		return pipeline.SpansInfo{}, ErrNotFound
	}
	if !h.Writable() {
		return pipeline.SpansInfo{}, ErrPermissionDenied
	}
	info, err := l.store.Write(h.chunker, data)
	if err != nil {
		return pipeline.SpansInfo{}, err
	}
	l.appendSpans(h, info.Spans)
	h.measurements.Add(info)
	return info, nil
}

// Flush drains h's chunker's remainder as a final chunk and appends
// the resulting span (if any).
func (l *Layer) Flush(h *FileHandle) (pipeline.SpansInfo, error) {
	if !l.registered(h) {
		return pipeline.SpansInfo{}, ErrNotFound
	}
	if !h.Writable() {
		return pipeline.SpansInfo{}, ErrPermissionDenied
	}
	info, err := l.store.Flush(h.chunker)
	if err != nil {
		return pipeline.SpansInfo{}, err
	}
	l.appendSpans(h, info.Spans)
	h.measurements.Add(info)
	return info, nil
}

// WriteFromStream drains r through h in pipeline.SegSize blocks,
// appending every resulting span.
func (l *Layer) WriteFromStream(h *FileHandle, r io.Reader) ([]pipeline.SpansInfo, error) {
	if !l.registered(h) {
		return nil, ErrNotFound
	}
	if !h.Writable() {
		return nil, ErrPermissionDenied
	}
	buf := make([]byte, pipeline.SegSize)
	var results []pipeline.SpansInfo
	for {
		n, err := r.Read(buf)
		if n > 0 {
			info, werr := l.store.Write(h.chunker, buf[:n])
			if werr != nil {
				return results, werr
			}
			l.appendSpans(h, info.Spans)
			h.measurements.Add(info)
			results = append(results, info)
		}
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return results, fmt.Errorf("vfs: stream read: %w", err)
		}
	}
}

func (l *Layer) appendSpans(h *FileHandle, spans []pipeline.Span) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range spans {
		h.file.Spans = append(h.file.Spans, FileSpan{Hash: s.Hash, Offset: h.offset, Length: s.Length})
		h.offset += int64(s.Length)
	}
}

// ReadComplete returns every hash in h's file, in span order.
func (l *Layer) ReadComplete(h *FileHandle) []digest.Digest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]digest.Digest, len(h.file.Spans))
	for i, s := range h.file.Spans {
		out[i] = s.Hash
	}
	return out
}

// Read streams hashes starting at h's read cursor, stopping once the
// cumulative length of spans returned would exceed pipeline.SegSize
// (a single call always returns at least one span's worth of progress
// so streaming can't stall). Returns an empty slice past end-of-file.
func (l *Layer) Read(h *FileHandle) []digest.Digest {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []digest.Digest
	var covered int64
	for h.readIdx < len(h.file.Spans) {
		s := h.file.Spans[h.readIdx]
		if covered > 0 && covered+int64(s.Length) > pipeline.SegSize {
			break
		}
		out = append(out, s.Hash)
		covered += int64(s.Length)
		h.readIdx++
	}
	return out
}

// ChunkCountDistribution reports, for every distinct hash in h's file,
// how many spans reference it and that hash's chunk length. An
// observability hook.
func (l *Layer) ChunkCountDistribution(h *FileHandle) map[string]ChunkCount {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]ChunkCount)
	for _, s := range h.file.Spans {
		key := s.Hash.Hex()
		c := out[key]
		c.Count++
		c.Length = s.Length
		out[key] = c
	}
	return out
}

// GetToDedupRatio is a benchmark-only dataset synthesis helper: given
// an existing file and a target ratio r >= 1.0, it materializes a new
// file under "name.<ratio>" whose span list cycles
// a subset of the source's unique spans until the repeated length
// reaches total_unique_length * r, then appends every unique span left
// out of that subset exactly once, so the synthesized file's content
// still covers every distinct chunk from the source.
//
// The repeated subset is the first ceil(unique_count / r) unique
// spans, shrinking as r grows so cycling it reaches the target length
// through more repetition of fewer distinct chunks. The resulting
// ratio is approximate: cycling stops at whole chunks, so the
// synthesized length can miss the target by up to one chunk.
func (l *Layer) GetToDedupRatio(name string, ratio float64) (string, error) {
	if ratio < 1.0 {
		return "", ErrInvalidInput
	}

	l.mu.Lock()
	src, ok := l.files[name]
	if !ok {
		l.mu.Unlock()
		return "", ErrNotFound
	}
	spans := append([]FileSpan(nil), src.Spans...)
	l.mu.Unlock()

	seen := make(map[string]bool)
	var unique []FileSpan
	var totalUnique int64
	for _, s := range spans {
		key := s.Hash.Hex()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, s)
		totalUnique += int64(s.Length)
	}
	if len(unique) == 0 {
		return "", ErrInvalidInput
	}

	k := int(math.Ceil(float64(len(unique)) / ratio))
	if k < 1 {
		k = 1
	}
	if k > len(unique) {
		k = len(unique)
	}
	subset, remainder := unique[:k], unique[k:]

	target := int64(float64(totalUnique) * ratio)

	var out []FileSpan
	var offset int64
	var covered int64
	for i := 0; ; i++ {
		s := subset[i%len(subset)]
		if covered+int64(s.Length) > target {
			break
		}
		out = append(out, FileSpan{Hash: s.Hash, Offset: offset, Length: s.Length})
		offset += int64(s.Length)
		covered += int64(s.Length)
	}
	for _, s := range remainder {
		out = append(out, FileSpan{Hash: s.Hash, Offset: offset, Length: s.Length})
		offset += int64(s.Length)
	}

	newName := fmt.Sprintf("%s.%.2f", name, ratio)
	l.mu.Lock()
	l.files[newName] = &File{Name: newName, Spans: out}
	l.mu.Unlock()
	return newName, nil
}

// Clear removes every registered file; any handle held across a Clear
// sees undefined behavior.
func (l *Layer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = make(map[string]*File)
}

// ExportManifest serializes name's File to JSON.
func (l *Layer) ExportManifest(name string) ([]byte, error) {
	l.mu.Lock()
	f, ok := l.files[name]
	l.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	data, err := json.MarshalIndent(f, "", " ")
	if err != nil {
		return nil, fmt.Errorf("vfs: marshal manifest: %w", err)
	}
	return data, nil
}

// ImportManifest registers a File decoded from JSON produced by
// ExportManifest.
func (l *Layer) ImportManifest(data []byte) (string, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("vfs: unmarshal manifest: %w", err)
	}
	l.mu.Lock()
	l.files[f.Name] = &f
	l.mu.Unlock()
	return f.Name, nil
}
