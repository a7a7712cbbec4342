package measurement

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DigestSize is the length of a SHA-1 register digest in bytes.
const DigestSize = sha1.Size

var (
	// ErrInvalidDigest indicates a digest with the wrong length or bad hex
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrInvalidPcrIndex indicates a register index outside 0..23
	ErrInvalidPcrIndex = errors.New("invalid PCR index")

	// ErrEmptyLabel indicates a measurement without a label
	ErrEmptyLabel = errors.New("measurement label is empty")
)

// Digest is a SHA-1 content hash as reported by the TPM.
type Digest [DigestSize]byte

// ZeroDigest is the value of a register after reset.
var ZeroDigest Digest

// ParseDigest decodes a hex digest. Case is ignored and the separators
// commonly used by tooling (space, colon, dash) are stripped first.
func ParseDigest(s string) (Digest, error) {
	var d Digest

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)

	if len(cleaned) != DigestSize*2 {
		return d, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidDigest, DigestSize*2, len(cleaned))
	}

	raw, err := hex.DecodeString(strings.ToLower(cleaned))
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}

	copy(d[:], raw)
	return d, nil
}

// MustParseDigest is ParseDigest for constants and tests.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DigestFromBytes copies b into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidDigest, DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Sum returns the SHA-1 digest of data.
func Sum(data []byte) Digest {
	return Digest(sha1.Sum(data))
}

// Hex returns the lowercase hex encoding.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// Bytes returns a copy of the digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestSize)
	copy(out, d[:])
	return out
}

// IsZero reports whether the digest is all zeros.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// Equal compares two digests.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d[:], other[:])
}

// Extend returns SHA1(d || m), the TPM extend operation.
func (d Digest) Extend(m Digest) Digest {
	buf := make([]byte, 0, DigestSize*2)
	buf = append(buf, d[:]...)
	buf = append(buf, m[:]...)
	return Sum(buf)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
