package chunk

import (
	"bytes"
	"io"

	resticchunker "github.com/restic/chunker"
)

// defaultRabinPol is a fixed irreducible polynomial for the Rabin
// rolling hash, so chunk boundaries stay reproducible across runs and
// machines rather than depending on chunker.RandomPolynomial().
const defaultRabinPol = resticchunker.Pol(0x3DA3358B4DC173)

// Rabin is a thin wrapper around github.com/restic/chunker's
// Rabin-polynomial rolling hash, adapted to this package's buffer/
// remainder contract. restic's Chunker is reader-driven and resets its
// internal digest at each emitted chunk, so each ChunkData call rebuilds
// a short-lived restic chunker over the remainder-prefixed buffer: the
// first chunk it finds continues the in-progress chunk exactly as restic
// would have computed it from a continuous stream.
type Rabin struct {
	base
	params SizeParams
	pol    resticchunker.Pol
}

// NewRabin creates a Rabin chunker using the package's default
// polynomial. restic's rolling hash needs a full 64-byte window before
// it can evaluate a cut, so a Min below that is raised to the window
// size.
func NewRabin(params SizeParams) *Rabin {
	if params.Min < 64 {
		params.Min = 64
	}
	return &Rabin{params: params, pol: defaultRabinPol}
}

func (c *Rabin) ChunkData(buf []byte) ([]Span, []byte) {
	buffer := c.prepend(buf)
	if len(buffer) == 0 {
		c.remainder = nil
		return nil, buffer
	}

	rc := resticchunker.NewWithBoundaries(bytes.NewReader(buffer), c.pol, uint(c.params.Min), uint(c.params.Max))
	scratch := make([]byte, c.params.Max)

	var spans []Span
	pos := 0
	for {
		cc, err := rc.Next(scratch)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		length := int(cc.Length)
		confirmed := length >= c.params.Max || pos+length < len(buffer)
		if !confirmed {
			// Last chunk in this buffer, shorter than Max: it may still
			// be growing once more data arrives. Hold it as remainder.
			break
		}

		spans = append(spans, Span{Offset: pos, Length: length})
		pos += length
	}

	c.remainder = append([]byte(nil), buffer[pos:]...)
	return spans, buffer
}

func (c *Rabin) EstimateChunkCount(buf []byte) int {
	if c.params.Min == 0 {
		return len(buf) + 1
	}
	return len(buf)/c.params.Min + 1
}
