// Package phash computes 64-bit difference-hash fingerprints of raster images
// and compares them by Hamming distance.
package phash

import (
	"errors"
	"fmt"
)

// Bits is the number of bits in a fingerprint.
const Bits = 64

// HexLen is the length of the hex encoding of a fingerprint.
const HexLen = Bits / 4

var (
	// ErrInvalidImage is returned when the input bytes cannot be decoded as an image.
	ErrInvalidImage = errors.New("invalid image")
	// ErrImageTooLarge is returned when the decoded pixel count exceeds the configured ceiling.
	ErrImageTooLarge = errors.New("image too large")
	// ErrInvalidFingerprint is returned by ParseFingerprint for malformed input.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// Fingerprint is a 64-bit perceptual hash encoded as 16 lowercase hex characters.
type Fingerprint string

// FromUint64 encodes v as a zero-padded, most-significant-nibble-first fingerprint.
func FromUint64(v uint64) Fingerprint {
	var buf [HexLen]byte
	for i := HexLen - 1; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return Fingerprint(buf[:])
}

// ParseFingerprint validates s as a 16-character lowercase hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != HexLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidFingerprint, len(s))
	}
	for i := 0; i < len(s); i++ {
		if nibble(s[i]) < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
		}
	}
	return Fingerprint(s), nil
}

// String returns the hex encoding.
func (f Fingerprint) String() string {
	return string(f)
}

const hexDigits = "0123456789abcdef"

// nibble returns the value of a lowercase hex digit, or -1.
func nibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return -1
	}
}
