// Package fingerprint provides the fixed-width perceptual fingerprint type,
// its hexadecimal wire form and the Hamming distance between two fingerprints.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"math/big"
	"math/bits"
	"strings"

	"github.com/hupe1980/cyclops/failure"
)

// DefaultWidth is the width in bytes of a 64-bit perceptual hash.
const DefaultWidth = 8

// ErrWidthMismatch is returned when two fingerprints of different widths are compared.
var ErrWidthMismatch = errors.New("fingerprint width mismatch")

// Fingerprint is a fixed-length bit vector.
type Fingerprint []byte

// FromUint64 returns the 8-byte big-endian fingerprint of v.
func FromUint64(v uint64) Fingerprint {
	fp := make(Fingerprint, 8)
	for i := 7; i >= 0; i-- {
		fp[i] = byte(v)
		v >>= 8
	}
	return fp
}

// Width returns the fingerprint width in bytes.
func (f Fingerprint) Width() int { return len(f) }

// Hex returns the canonical external form: "0x" followed by zero-padded lowercase hex.
func (f Fingerprint) Hex() string {
	return "0x" + hex.EncodeToString(f)
}

func (f Fingerprint) String() string { return f.Hex() }

// Equal reports whether f and g hold the same bits.
func (f Fingerprint) Equal(g Fingerprint) bool {
	if len(f) != len(g) {
		return false
	}
	for i := range f {
		if f[i] != g[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of f.
func (f Fingerprint) Clone() Fingerprint {
	if f == nil {
		return nil
	}
	out := make(Fingerprint, len(f))
	copy(out, f)
	return out
}

// ParseHex parses s into a fingerprint of the given width.
//
// Accepted forms are "0x"-prefixed hex, which is left-padded with zeros to width,
// and a plain decimal integer.
func ParseHex(s string, width int) (Fingerprint, error) {
	const op = "fingerprint.parse"
	if width <= 0 {
		return nil, failure.Errorf(failure.KindInvalidInput, op, "invalid width %d", width)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, failure.Errorf(failure.KindInvalidInput, op, "empty fingerprint")
	}

	var digits string
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits = strings.ToLower(s[2:])
		if digits == "" {
			return nil, failure.Errorf(failure.KindInvalidInput, op, "empty hex digits in %q", s)
		}
	} else {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok || n.Sign() < 0 {
			return nil, failure.Errorf(failure.KindInvalidInput, op, "invalid fingerprint %q", s)
		}
		digits = n.Text(16)
	}

	digits = strings.TrimLeft(digits, "0")
	if len(digits) > width*2 {
		return nil, failure.Errorf(failure.KindInvalidInput, op, "fingerprint %q exceeds %d bytes", s, width)
	}
	digits = strings.Repeat("0", width*2-len(digits)) + digits

	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, failure.New(failure.KindInvalidInput, op, err)
	}
	return Fingerprint(b), nil
}

// NormalizeHex re-encodes a user supplied fingerprint into canonical form.
func NormalizeHex(s string, width int) (string, error) {
	fp, err := ParseHex(s, width)
	if err != nil {
		return "", err
	}
	return fp.Hex(), nil
}

// Distance returns the Hamming distance between a and b.
//
// Fingerprints of different widths violate an internal invariant and yield
// a failure.KindInvariant error.
func Distance(a, b Fingerprint) (int, error) {
	if len(a) != len(b) {
		return 0, failure.New(failure.KindInvariant, "fingerprint.distance", ErrWidthMismatch)
	}
	return hamming(a, b), nil
}

// MustDistance is Distance for callers that have already validated widths.
func MustDistance(a, b Fingerprint) int {
	d, err := Distance(a, b)
	if err != nil {
		panic(err)
	}
	return d
}

func hamming(a, b []byte) int {
	d := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := uint64(a[i])<<56 | uint64(a[i+1])<<48 | uint64(a[i+2])<<40 | uint64(a[i+3])<<32 |
			uint64(a[i+4])<<24 | uint64(a[i+5])<<16 | uint64(a[i+6])<<8 | uint64(a[i+7])
		y := uint64(b[i])<<56 | uint64(b[i+1])<<48 | uint64(b[i+2])<<40 | uint64(b[i+3])<<32 |
			uint64(b[i+4])<<24 | uint64(b[i+5])<<16 | uint64(b[i+6])<<8 | uint64(b[i+7])
		d += bits.OnesCount64(x ^ y)
	}
	for ; i < len(a); i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}
