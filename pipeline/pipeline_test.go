package pipeline

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/digest"
	"github.com/cdcstore/cdcstore/scrub"
	"github.com/cdcstore/cdcstore/store"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	h, err := digest.New("sha256")
	require.NoError(t, err)
	return NewStorage(store.NewMemory(), h, store.NewMemory(), scrub.Copy{}, nil)
}

func randomData(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	r.Read(data)
	return data
}

// TestRoundTrip: writing a byte sequence and reading it back through
// the store returns exactly the same bytes.
func TestRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	c := chunk.NewFastCDC(chunk.SizeParams{Min: 64, Avg: 256, Max: 1024}, 2, nil)
	data := randomData(1, 500_000)

	info, err := s.Write(c, data)
	require.NoError(t, err)
	flush, err := s.Flush(c)
	require.NoError(t, err)

	hashes := make([]digest.Digest, 0, len(info.Spans)+len(flush.Spans))
	for _, sp := range info.Spans {
		hashes = append(hashes, sp.Hash)
	}
	for _, sp := range flush.Spans {
		hashes = append(hashes, sp.Hash)
	}

	got, err := s.Read(hashes)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestSplitInvariance: writing a byte sequence in one call equals
// writing it split across several calls, using the same chunker
// instance and store.
func TestSplitInvariance(t *testing.T) {
	params := chunk.SizeParams{Min: 32, Avg: 128, Max: 512}
	data := randomData(2, 300_000)

	whole := newTestStorage(t)
	wc := chunk.NewFastCDC(params, 2, nil)
	wholeInfo, err := whole.Write(wc, data)
	require.NoError(t, err)
	wholeFlush, err := whole.Flush(wc)
	require.NoError(t, err)

	split := newTestStorage(t)
	sc := chunk.NewFastCDC(params, 2, nil)
	mid := len(data) / 3
	part1, err := split.Write(sc, data[:mid])
	require.NoError(t, err)
	part2, err := split.Write(sc, data[mid:])
	require.NoError(t, err)
	splitFlush, err := split.Flush(sc)
	require.NoError(t, err)

	var wholeHashes, splitHashes []string
	for _, sp := range wholeInfo.Spans {
		wholeHashes = append(wholeHashes, sp.Hash.Hex())
	}
	for _, sp := range wholeFlush.Spans {
		wholeHashes = append(wholeHashes, sp.Hash.Hex())
	}
	for _, sp := range part1.Spans {
		splitHashes = append(splitHashes, sp.Hash.Hex())
	}
	for _, sp := range part2.Spans {
		splitHashes = append(splitHashes, sp.Hash.Hex())
	}
	for _, sp := range splitFlush.Spans {
		splitHashes = append(splitHashes, sp.Hash.Hex())
	}

	assert.Equal(t, wholeHashes, splitHashes)
}

// TestDedupEquality: writing the same bytes twice leaves the primary
// store's CDC byte size unchanged versus writing them once.
func TestDedupEquality(t *testing.T) {
	params := chunk.SizeParams{Min: 64, Avg: 256, Max: 1024}
	data := randomData(3, 200_000)

	once := newTestStorage(t)
	c1 := chunk.NewFastCDC(params, 2, nil)
	_, err := once.Write(c1, data)
	require.NoError(t, err)
	_, err = once.Flush(c1)
	require.NoError(t, err)
	onceSize, _, err := once.totalCDCSize()
	require.NoError(t, err)

	twice := newTestStorage(t)
	c2a := chunk.NewFastCDC(params, 2, nil)
	_, err = twice.Write(c2a, data)
	require.NoError(t, err)
	_, err = twice.Flush(c2a)
	require.NoError(t, err)
	c2b := chunk.NewFastCDC(params, 2, nil)
	_, err = twice.Write(c2b, data)
	require.NoError(t, err)
	_, err = twice.Flush(c2b)
	require.NoError(t, err)
	twiceSize, _, err := twice.totalCDCSize()
	require.NoError(t, err)

	assert.Equal(t, onceSize, twiceSize, "total CDC size must be unchanged by a second write of the same bytes")
}

// TestInsertAtMostOnce writes two identical chunks through
// Storage.Write and checks that the primary store holds one container.
func TestInsertAtMostOnce(t *testing.T) {
	s := newTestStorage(t)
	c := chunk.NewFixed(16)
	data := bytes.Repeat([]byte("abcdefgh"), 4) // exactly one 16-byte chunk, twice
	info, err := s.Write(c, data)
	require.NoError(t, err)
	require.Len(t, info.Spans, 2)
	assert.Equal(t, info.Spans[0].Hash.Hex(), info.Spans[1].Hash.Hex(), "identical chunks must hash identically")

	total, count, err := s.totalCDCSize()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "expected a single distinct chunk container (dedup)")
	assert.EqualValues(t, 16, total)
}

// TestScrubTransparency: after scrubbing, reads through the pipeline
// still resolve correctly even though bytes have moved to the target
// store.
func TestScrubTransparency(t *testing.T) {
	s := newTestStorage(t)
	c := chunk.NewFastCDC(chunk.SizeParams{Min: 64, Avg: 256, Max: 1024}, 2, nil)
	data := randomData(4, 100_000)

	info, err := s.Write(c, data)
	require.NoError(t, err)
	flush, err := s.Flush(c)
	require.NoError(t, err)

	_, err = s.RunScrub()
	require.NoError(t, err)

	hashes := make([]digest.Digest, 0, len(info.Spans)+len(flush.Spans))
	for _, sp := range info.Spans {
		hashes = append(hashes, sp.Hash)
	}
	for _, sp := range flush.Spans {
		hashes = append(hashes, sp.Hash)
	}

	got, err := s.Read(hashes)
	require.NoError(t, err, "read after scrub")
	assert.Equal(t, data, got)

	// Every primary entry must now forward to the target store.
	mem := s.Primary.(store.IterableDatabase)
	mem.Iterate(func(_ string, v store.DataContainer) bool {
		assert.Equal(t, store.KindTargetChunk, v.Kind, "expected every chunk to be scrubbed to a TargetChunk")
		return true
	})
}

// TestStreamWrite_RoundTrip drives the segmented streaming path,
// checking both reassembly and the pre-dedup size counter. The
// streaming buffer is reused across blocks, so this also catches
// stored payloads aliasing it.
func TestStreamWrite_RoundTrip(t *testing.T) {
	s := newTestStorage(t)
	c := chunk.NewFastCDC(chunk.SizeParams{Min: 4 << 10, Avg: 16 << 10, Max: 64 << 10}, 2, nil)
	data := randomData(9, 3*SegSize+512)

	infos, err := s.StreamWrite(c, bytes.NewReader(data))
	require.NoError(t, err)
	flush, err := s.Flush(c)
	require.NoError(t, err)

	var hashes []digest.Digest
	for _, info := range infos {
		for _, sp := range info.Spans {
			hashes = append(hashes, sp.Hash)
		}
	}
	for _, sp := range flush.Spans {
		hashes = append(hashes, sp.Hash)
	}

	got, err := s.Read(hashes)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.EqualValues(t, len(data), s.SizeWritten())
}

func TestDedupRatioFormulas(t *testing.T) {
	s := newTestStorage(t)
	c := chunk.NewFixed(1024)
	data := bytes.Repeat(make([]byte, 1024), 512) // 512 identical 1KiB chunks
	_, err := s.Write(c, data)
	require.NoError(t, err)
	_, err = s.Flush(c)
	require.NoError(t, err)

	ratio, err := s.CDCDedupRatio()
	require.NoError(t, err)
	assert.InDelta(t, 512, ratio, 1)

	avg, err := s.AverageChunkSize()
	require.NoError(t, err)
	assert.Equal(t, 1024.0, avg)
}
