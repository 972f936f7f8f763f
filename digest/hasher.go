// Package digest maps chunk payloads to fixed-size content hashes.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a content hash. Equality of digests is treated as equality of
// the underlying chunk data; collisions are not handled.
type Digest []byte

// Hex returns the hash in hex string form.
func (d Digest) Hex() string {
	return hex.EncodeToString(d)
}

// Hasher reduces a byte slice to a Digest. Implementations may reuse
// internal buffers across calls but must behave as if Reset between them.
type Hasher interface {
	Sum(data []byte) Digest
	Reset()
	// Name reports the algorithm name this hasher was constructed with.
	Name() string
}

// New creates a Hasher for the named algorithm: "sha256", "blake3", or
// "identity".
func New(name string) (Hasher, error) {
	switch name {
	case "", "sha256":
		return &sha256Hasher{name: "sha256"}, nil
	case "blake3":
		return &blake3Hasher{h: blake3.New()}, nil
	case "identity":
		return identityHasher{}, nil
	default:
		return nil, fmt.Errorf("digest: unsupported algorithm %q", name)
	}
}

type sha256Hasher struct {
	name string
}

func (h *sha256Hasher) Sum(data []byte) Digest {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (h *sha256Hasher) Reset()       {}
func (h *sha256Hasher) Name() string { return h.name }

type blake3Hasher struct {
	h *blake3.Hasher
}

func (h *blake3Hasher) Sum(data []byte) Digest {
	h.h.Reset()
	h.h.Write(data)
	return h.h.Sum(nil)
}

func (h *blake3Hasher) Reset()       { h.h.Reset() }
func (h *blake3Hasher) Name() string { return "blake3" }

// identityHasher returns the input itself as its digest. Dedup still
// works because equal inputs yield equal keys; it exists for tests that
// want human-readable store keys.
type identityHasher struct{}

func (identityHasher) Sum(data []byte) Digest {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func (identityHasher) Reset()       {}
func (identityHasher) Name() string { return "identity" }
