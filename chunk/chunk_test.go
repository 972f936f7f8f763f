package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allChunkers(p SizeParams) map[string]Chunker {
	return map[string]Chunker{
		"fixed":      NewFixed(p.Min),
		"fastcdc":    NewFastCDC(p, 2, nil),
		"rabin":      NewRabin(p),
		"leap":       NewLeap(p, 3, nil),
		"supercdc":   NewSuperCDC(p, nil),
		"ultracdc":   NewUltraCDC(p, nil),
		"seqcdc-inc": NewSeqCDC(p, Increasing, 4, nil),
		"seqcdc-dec": NewSeqCDC(p, Decreasing, 4, nil),
	}
}

func spanLengths(spans []Span) []int {
	out := make([]int, 0, len(spans))
	for _, s := range spans {
		out = append(out, s.Length)
	}
	return out
}

func concatSpans(buffer []byte, spans []Span) []byte {
	var out []byte
	for _, s := range spans {
		out = append(out, buffer[s.Offset:s.Offset+s.Length]...)
	}
	return out
}

func randomData(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	r.Read(data)
	return data
}

// TestChunkers_BoundsHold checks that every chunk (other than a final
// remainder, which is never returned by ChunkData) falls within [Min, Max].
func TestChunkers_BoundsHold(t *testing.T) {
	params := SizeParams{Min: 64, Avg: 256, Max: 1024}
	data := randomData(1, 200_000)

	for name, c := range allChunkers(params) {
		t.Run(name, func(t *testing.T) {
			spans, _ := c.ChunkData(data)
			for _, s := range spans {
				assert.GreaterOrEqual(t, s.Length, params.Min)
				assert.LessOrEqual(t, s.Length, params.Max)
			}
		})
	}
}

// TestChunkers_SplitInvariance: feeding the same bytes across
// arbitrarily different call splits must produce the same chunk
// boundaries (accounting for the trailing remainder that a
// fully-drained pass would flush identically).
func TestChunkers_SplitInvariance(t *testing.T) {
	params := SizeParams{Min: 32, Avg: 128, Max: 512}
	data := randomData(2, 100_000)

	for name, factory := range map[string]func() Chunker{
		"fixed":    func() Chunker { return NewFixed(params.Min) },
		"fastcdc":  func() Chunker { return NewFastCDC(params, 2, nil) },
		"rabin":    func() Chunker { return NewRabin(params) },
		"leap":     func() Chunker { return NewLeap(params, 3, nil) },
		"supercdc": func() Chunker { return NewSuperCDC(params, nil) },
		"ultracdc": func() Chunker { return NewUltraCDC(params, nil) },
		"seqcdc":   func() Chunker { return NewSeqCDC(params, Increasing, 4, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			whole := factory()
			wholeSpans, wholeBuf := whole.ChunkData(data)
			wholeLengths := spanLengths(wholeSpans)
			wholeLengths = append(wholeLengths, len(whole.Remainder()))
			wholeBytes := concatSpans(wholeBuf, wholeSpans)
			wholeBytes = append(wholeBytes, whole.Remainder()...)

			split := factory()
			var splitLengths []int
			var out []byte
			prev := 0
			for _, cut := range []int{len(data) / 5, len(data) / 3, len(data) / 2, len(data) * 4 / 5, len(data)} {
				spans, buf := split.ChunkData(data[prev:cut])
				splitLengths = append(splitLengths, spanLengths(spans)...)
				out = append(out, concatSpans(buf, spans)...)
				prev = cut
			}
			splitLengths = append(splitLengths, len(split.Remainder()))
			out = append(out, split.Remainder()...)

			assert.Equal(t, wholeLengths, splitLengths, "chunk boundaries must not depend on how the input was split across calls")
			require.Equal(t, wholeBytes, out, "split reassembly mismatch")
		})
	}
}

// TestChunkers_EmptyInput: an empty buffer emits no chunks and leaves
// the remainder empty.
func TestChunkers_EmptyInput(t *testing.T) {
	params := SizeParams{Min: 16, Avg: 64, Max: 256}
	for name, c := range allChunkers(params) {
		t.Run(name, func(t *testing.T) {
			spans, _ := c.ChunkData(nil)
			assert.Empty(t, spans)
			assert.Empty(t, c.Remainder())
		})
	}
}

func TestFastCDC_ForcedMaxCut(t *testing.T) {
	params := SizeParams{Min: 8, Avg: 16, Max: 32}
	c := NewFastCDC(params, 0, nil)
	data := bytes.Repeat([]byte{0xAB}, 1000)

	spans, _ := c.ChunkData(data)
	require.NotEmpty(t, spans, "expected at least one forced cut on repetitive data")
	for _, s := range spans {
		assert.LessOrEqual(t, s.Length, params.Max)
	}
}

func TestEstimateChunkCount_IsPositive(t *testing.T) {
	params := SizeParams{Min: 16, Avg: 64, Max: 256}
	data := randomData(3, 10_000)
	for name, c := range allChunkers(params) {
		t.Run(name, func(t *testing.T) {
			est := c.EstimateChunkCount(data)
			assert.Greater(t, est, 0)
		})
	}
}
