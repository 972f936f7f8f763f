package chunk

// base holds the remainder-carry state shared by every chunker
// implementation in this package.
type base struct {
	remainder []byte
}

// prepend builds the logical buffer for this call: the remainder kept
// from the previous call followed by the newly supplied bytes.
func (b *base) prepend(buf []byte) []byte {
	if len(b.remainder) == 0 {
		return buf
	}
	merged := make([]byte, len(b.remainder)+len(buf))
	n := copy(merged, b.remainder)
	copy(merged[n:], buf)
	return merged
}

// Remainder returns the bytes retained from the most recent ChunkData call.
func (b *base) Remainder() []byte {
	return b.remainder
}

// ResetRemainder drops the retained tail. The pipeline calls this after
// flushing the remainder as a final chunk so a repeated flush cannot
// commit it twice.
func (b *base) ResetRemainder() {
	b.remainder = nil
}

// chunkWith runs the generic scan-and-cut loop shared by every
// byte-at-a-time chunker: prepend the stored remainder, repeatedly ask
// boundary for the next cut, and stop as soon as it reports a tentative
// (unconfirmed) cut, retaining the rest as the new remainder.
func (b *base) chunkWith(buf []byte, boundary func([]byte) (cut int, found bool)) ([]Span, []byte) {
	buffer := b.prepend(buf)

	var spans []Span
	pos := 0
	for pos < len(buffer) {
		cut, found := boundary(buffer[pos:])
		if !found {
			break
		}
		spans = append(spans, Span{Offset: pos, Length: cut})
		pos += cut
	}

	b.remainder = append([]byte(nil), buffer[pos:]...)
	return spans, buffer
}
