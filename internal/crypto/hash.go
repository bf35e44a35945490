// Package crypto provides the hashing and BLS signature primitives shared by
// every other component: canonical SHA3-256 hashing of structured entities,
// and per-validator signing / aggregate-signature verification.
package crypto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte SHA3-256 digest.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash (used as the genesis parent).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromBytes copies a byte slice into a Hash; it panics if b is not
// exactly 32 bytes.
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) != len(h) {
		panic("crypto: HashFromBytes requires a 32-byte slice")
	}
	copy(h[:], b)
	return h
}

// HashFromHex parses a hex-encoded hash string; it returns an error if the
// string does not decode to exactly 32 bytes.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(b) != len(Hash{}) {
		return Hash{}, fmt.Errorf("crypto: hash hex decodes to %d bytes, want %d", len(b), len(Hash{}))
	}
	return HashFromBytes(b), nil
}

// SumSHA3 hashes an arbitrary byte slice with SHA3-256.
func SumSHA3(data []byte) Hash {
	return Hash(sha3.Sum256(data))
}

// Encoder builds the canonical, length-prefixed byte representation of a
// structured entity prior to hashing or signing. Fields are written in a
// fixed order; every variable-length field is prefixed with its length as a
// little-endian uint64, per spec's canonical-serialization rule.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder with a small pre-allocation.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes writes a length-prefixed byte slice.
func (e *Encoder) Bytes(b []byte) *Encoder {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	e.buf = append(e.buf, lenBuf[:]...)
	e.buf = append(e.buf, b...)
	return e
}

// String writes a length-prefixed UTF-8 string.
func (e *Encoder) String(s string) *Encoder {
	return e.Bytes([]byte(s))
}

// Uint64 writes a fixed-width little-endian uint64.
func (e *Encoder) Uint64(v uint64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// Uint32 writes a fixed-width little-endian uint32.
func (e *Encoder) Uint32(v uint32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// Bool writes a single byte, 1 for true and 0 for false.
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	return e
}

// Hash writes a fixed-width 32-byte hash, unprefixed (its length is constant).
func (e *Encoder) Hash(h Hash) *Encoder {
	e.buf = append(e.buf, h[:]...)
	return e
}

// Raw appends bytes verbatim, with no length prefix. Used only for fields
// whose length is already fixed and known to the reader (e.g. nested
// fixed-size hashes); variable-length data must go through Bytes/String.
func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// Sum returns the SHA3-256 hash of everything written so far.
func (e *Encoder) Sum() Hash {
	return SumSHA3(e.buf)
}

// Out returns the accumulated canonical byte representation.
func (e *Encoder) Out() []byte {
	return e.buf
}
