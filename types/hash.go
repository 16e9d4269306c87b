package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash is a SHA-256 digest. A nil or zero-length Hash is the empty hash.
type Hash []byte

// HashSize is the expected size of a hash in bytes
const HashSize = sha256.Size

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files).
// The input is copied so the caller cannot mutate the result.
func NewHash(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return nil, fmt.Errorf("%w: hash must be %d bytes, got %d", ErrValidation, HashSize, len(data))
	}
	copied := make([]byte, HashSize)
	copy(copied, data)
	return Hash(copied), nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes SHA-256 hash of data
func HashBytes(data []byte) Hash {
	h := sha256.Sum256(data)
	return Hash(h[:])
}

// HashConcat computes sha256(a || b) without aliasing either input.
func HashConcat(a, b Hash) Hash {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a...)
	buf = append(buf, b...)
	return HashBytes(buf)
}

// IsHashEmpty returns true if the hash carries no bytes
func IsHashEmpty(h Hash) bool {
	return len(h) == 0
}

// HashEqual compares two hashes
func HashEqual(a, b Hash) bool {
	return bytes.Equal(a, b)
}

// Copy returns an independent copy of the hash.
func (h Hash) Copy() Hash {
	if h == nil {
		return nil
	}
	c := make(Hash, len(h))
	copy(c, h)
	return c
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	s := h.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
