// Package varint implements the self-describing length-prefix codec
// store.Disk uses to frame variable-length records inside fixed-size
// disk blocks: a binary.Uvarint length header followed by that many
// payload bytes.
package varint

import "encoding/binary"

// MaxHeaderLen bounds how many bytes the length header can occupy.
const MaxHeaderLen = binary.MaxVarintLen64

// Frame prepends a varint-encoded length header to payload, returning
// the combined record.
func Frame(payload []byte) []byte {
	header := make([]byte, MaxHeaderLen)
	n := binary.PutUvarint(header, uint64(len(payload)))
	record := make([]byte, n+len(payload))
	copy(record, header[:n])
	copy(record[n:], payload)
	return record
}

// Unframe splits a record produced by Frame back into its payload,
// verifying the header's declared length matches what follows. A
// zero-length payload comes back as nil.
func Unframe(record []byte) (payload []byte, err error) {
	length, n := binary.Uvarint(record)
	if n <= 0 {
		return nil, ErrCorrupt
	}
	payload = record[n:]
	if uint64(len(payload)) != length {
		return nil, ErrCorrupt
	}
	if length == 0 {
		return nil, nil
	}
	return payload, nil
}

// ErrCorrupt is returned by Unframe when the header is malformed or
// the declared length does not match the remaining bytes.
var ErrCorrupt = errCorrupt{}

type errCorrupt struct{}

func (errCorrupt) Error() string { return "varint: corrupt record header" }
