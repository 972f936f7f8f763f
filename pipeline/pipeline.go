// Package pipeline orchestrates chunking, hashing, and content-addressed
// insertion, plus the dedup-ratio accounting layered on top of that
// write path.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/digest"
	"github.com/cdcstore/cdcstore/scrub"
	"github.com/cdcstore/cdcstore/store"
)

// SegSize is the fixed streaming unit used by StreamWrite and by vfs's
// streaming reads.
const SegSize = 1 << 20

// Span is a hashed, length-tagged chunk, produced once a chunk.Span
// descriptor (an offset into a buffer) has been hashed and its payload
// extracted.
type Span struct {
	Hash   digest.Digest
	Length int
}

// SpansInfo is the result of a Write/StreamWrite/Flush call: the spans
// produced plus per-phase timing breakdowns.
type SpansInfo struct {
	Spans       []Span
	ChunkTime   time.Duration
	HashTime    time.Duration
	TotalLength int
}

// WriteMeasurements accumulates the chunk/hash timings a file handle's
// close reports back to the caller.
type WriteMeasurements struct {
	ChunkTime time.Duration
	HashTime  time.Duration
}

// Add accumulates another SpansInfo's timings into m.
func (m *WriteMeasurements) Add(s SpansInfo) {
	m.ChunkTime += s.ChunkTime
	m.HashTime += s.HashTime
}

// Storage holds the primary content-addressed store, the hasher used to
// key it, an optional target store for scrubbed chunks, an optional
// scrubber, and the running pre-dedup byte counter.
type Storage struct {
	Primary     store.Database
	Hasher      digest.Hasher
	Target      store.Database
	Scrubber    scrub.Scrubber
	sizeWritten int64
	log         *zap.Logger
}

// NewStorage builds a Storage. log may be nil, in which case a no-op
// logger is used.
func NewStorage(primary store.Database, hasher digest.Hasher, target store.Database, scrubber scrub.Scrubber, log *zap.Logger) *Storage {
	if log == nil {
		log = zap.NewNop()
	}
	return &Storage{Primary: primary, Hasher: hasher, Target: target, Scrubber: scrubber, log: log}
}

// SizeWritten reports the total pre-dedup bytes ingested so far.
func (s *Storage) SizeWritten() int64 {
	return s.sizeWritten
}

// Write chunks data (through c, which carries the live remainder
// across calls), hashes each resulting span, and inserts every chunk
// into the primary store at-most-once.
func (s *Storage) Write(c chunk.Chunker, data []byte) (SpansInfo, error) {
	chunkStart := time.Now()
	descriptors, buffer := c.ChunkData(data)
	chunkTime := time.Since(chunkStart)

	return s.commit(buffer, descriptors, chunkTime)
}

// StreamWrite drives Write over r in SegSize blocks. The chunker's
// remainder survives across blocks automatically since it lives
// inside c.
func (s *Storage) StreamWrite(c chunk.Chunker, r io.Reader) ([]SpansInfo, error) {
	var results []SpansInfo
	buf := make([]byte, SegSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			info, werr := s.Write(c, buf[:n])
			if werr != nil {
				return results, werr
			}
			results = append(results, info)
		}
		if err == io.EOF {
			return results, nil
		}
		if err != nil {
			return results, fmt.Errorf("pipeline: stream read: %w", err)
		}
	}
}

// Flush drains the chunker at file close: a non-empty remainder is
// hashed and inserted as one final chunk. An empty remainder produces
// an empty SpansInfo.
func (s *Storage) Flush(c chunk.Chunker) (SpansInfo, error) {
	remainder := c.Remainder()
	if len(remainder) == 0 {
		return SpansInfo{}, nil
	}
	info, err := s.commit(remainder, []chunk.Span{{Offset: 0, Length: len(remainder)}}, 0)
	if err != nil {
		return SpansInfo{}, err
	}
	if r, ok := c.(interface{ ResetRemainder() }); ok {
		r.ResetRemainder()
	}
	return info, nil
}

// commit hashes each descriptor's slice of buffer, inserts the
// resulting chunks into the primary store, and accumulates
// sizeWritten. Descriptors must already be confirmed boundaries (not
// tentative ones still held as remainder).
func (s *Storage) commit(buffer []byte, descriptors []chunk.Span, chunkTime time.Duration) (SpansInfo, error) {
	spans := make([]Span, 0, len(descriptors))
	hashStart := time.Now()
	total := 0
	for _, d := range descriptors {
		payload := buffer[d.Offset : d.Offset+d.Length]
		s.Hasher.Reset()
		h := s.Hasher.Sum(payload)

		key := string(h)
		if !s.Primary.Contains(key) {
			// The store must own the payload: buffer may be a reused
			// streaming block that the next Write overwrites.
			owned := append([]byte(nil), payload...)
			if err := s.Primary.Insert(key, store.Chunk(owned)); err != nil {
				return SpansInfo{}, fmt.Errorf("pipeline: insert chunk: %w", err)
			}
		}

		spans = append(spans, Span{Hash: h, Length: d.Length})
		total += d.Length
	}
	hashTime := time.Since(hashStart)
	s.sizeWritten += int64(total)

	s.log.Debug("pipeline write committed", zap.Int("chunks", len(spans)), zap.Int("bytes", total))

	return SpansInfo{Spans: spans, ChunkTime: chunkTime, HashTime: hashTime, TotalLength: total}, nil
}

// Read resolves an ordered list of hashes into their concatenated
// bytes, following TargetChunk forwarding into the target store when a
// primary entry has been scrubbed.
func (s *Storage) Read(hashes []digest.Digest) ([]byte, error) {
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = string(h)
	}

	containers, err := s.Primary.GetMulti(keys)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read chunks: %w", err)
	}

	var out []byte
	for _, c := range containers {
		switch c.Kind {
		case store.KindChunk:
			out = append(out, c.Bytes...)
		case store.KindTargetChunk:
			if s.Target == nil {
				return nil, fmt.Errorf("pipeline: resolve target chunk: %w", store.ErrNotFound)
			}
			parts, err := s.Target.GetMulti(c.Keys)
			if err != nil {
				return nil, fmt.Errorf("pipeline: resolve target chunk: %w", err)
			}
			for _, p := range parts {
				out = append(out, p.Bytes...)
			}
		}
	}
	return out, nil
}

// ErrNotIterable is returned by the dedup-ratio accessors when the
// backing store does not implement store.IterableDatabase.
var ErrNotIterable = errors.New("pipeline: store is not iterable")

// totalCDCSize sums Chunk-variant payload lengths across the primary
// store.
func (s *Storage) totalCDCSize() (int64, int, error) {
	iter, ok := s.Primary.(store.IterableDatabase)
	if !ok {
		return 0, 0, ErrNotIterable
	}
	var total int64
	var count int
	iter.Iterate(func(_ string, v store.DataContainer) bool {
		if v.Kind == store.KindChunk {
			total += int64(len(v.Bytes))
			count++
		}
		return true
	})
	return total, count, nil
}

// scrubbedSize sums every value in the target store.
func (s *Storage) scrubbedSize() (int64, error) {
	if s.Target == nil {
		return 0, nil
	}
	iter, ok := s.Target.(store.IterableDatabase)
	if !ok {
		return 0, ErrNotIterable
	}
	var total int64
	iter.Iterate(func(_ string, v store.DataContainer) bool {
		total += int64(len(v.Bytes))
		return true
	})
	return total, nil
}

// CDCDedupRatio reports the ratio of bytes ingested to bytes actually
// held as literal chunks in the primary store. Defined when the
// primary store is iterable; FullCDCDedupRatio at the dedupfs facade
// layer is an alias of this value.
func (s *Storage) CDCDedupRatio() (float64, error) {
	total, _, err := s.totalCDCSize()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(s.sizeWritten) / float64(total), nil
}

// TotalDedupRatio reports size_written / (total_cdc_size +
// scrubbed_size), defined when both stores are iterable.
func (s *Storage) TotalDedupRatio() (float64, error) {
	total, _, err := s.totalCDCSize()
	if err != nil {
		return 0, err
	}
	scrubbed, err := s.scrubbedSize()
	if err != nil {
		return 0, err
	}
	denom := total + scrubbed
	if denom == 0 {
		return 0, nil
	}
	return float64(s.sizeWritten) / float64(denom), nil
}

// AverageChunkSize reports total_cdc_size / (# Chunk-variant containers).
func (s *Storage) AverageChunkSize() (float64, error) {
	total, count, err := s.totalCDCSize()
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return float64(total) / float64(count), nil
}

// RunScrub invokes s.Scrubber against the primary/target stores.
// Returns ErrNotIterable (surfaced by dedupfs as InvalidInput) if the
// primary store cannot be mutably iterated.
func (s *Storage) RunScrub() (scrub.Measurements, error) {
	if s.Scrubber == nil {
		return scrub.Measurements{}, errors.New("pipeline: no scrubber configured")
	}
	iter, ok := s.Primary.(store.IterableDatabase)
	if !ok {
		return scrub.Measurements{}, ErrNotIterable
	}
	return s.Scrubber.Scrub(iter, s.Target)
}
