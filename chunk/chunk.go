// Package chunk implements the content-defined chunking algorithms that
// split a byte buffer into variable-sized chunks. Every chunker is a
// stateful producer that hides its end-of-buffer remainder behind
// Remainder, so callers never see the carry-over protocol directly.
package chunk

// Span is a chunk descriptor: a byte range into a caller-owned buffer.
// It owns no payload.
type Span struct {
	Offset int
	Length int
}

// SizeParams bounds every chunk a Chunker emits (except the final
// remainder-flushed chunk at end of stream, which may be shorter than Min).
type SizeParams struct {
	Min int
	Avg int
	Max int
}

// Chunker finds chunk boundaries in streamed buffers. ChunkData must never
// return the trailing partial chunk of the logical buffer; that suffix is
// retained internally and surfaces through Remainder, which the caller must
// flush explicitly at end of stream (see Flush on pipeline.Storage).
type Chunker interface {
	// ChunkData prepends any previously retained remainder to buf,
	// finds every complete chunk in the result, and returns both the
	// chunk spans and the logical buffer they index into (remainder +
	// buf). The trailing incomplete chunk is kept internally as the new
	// remainder and excluded from the returned spans.
	ChunkData(buf []byte) (spans []Span, buffer []byte)

	// Remainder returns the tail retained by the most recent ChunkData
	// call, i.e. the bytes that will be prepended to the next call.
	Remainder() []byte

	// EstimateChunkCount gives a conservative upper bound on the number
	// of chunks ChunkData(buf) will return, for slice preallocation. It
	// never affects correctness.
	EstimateChunkCount(buf []byte) int
}
