// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nixhash

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
)

func sha1New() hash.Hash {
	return sha1.New()
}

func base16Len(size int) int { return size * 2 }
func base64Len(size int) int { return base64.StdEncoding.EncodedLen(size) }

func encodeBase16(digest []byte) string {
	return hex.EncodeToString(digest)
}

func decodeBase16(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base16: %v", err)
	}
	return b, nil
}

func encodeBase64(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// SRI occasionally omits padding.
		if b2, err2 := base64.RawStdEncoding.DecodeString(s); err2 == nil {
			return b2, nil
		}
		return nil, fmt.Errorf("base64: %v", err)
	}
	return b, nil
}

// base32Alphabet is Nix's custom base-32 alphabet: the 32 characters that
// remain unambiguous in both case and against the digits 0/1, omitting
// 'e', 'o', 't', 'u'.
const base32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// Base32Len returns the number of characters needed to encode size bytes in
// Nix's base-32 alphabet.
func Base32Len(size int) int {
	if size == 0 {
		return 0
	}
	return (size*8-1)/5 + 1
}

// EncodeBase32 encodes digest using Nix's base-32 alphabet. Unlike RFC 4648
// base-32, digits are emitted most-significant-character-first while bits
// within the conceptual bitstream are numbered little-endian from the start
// of digest, matching the reference implementation's nybble layout.
func EncodeBase32(digest []byte) string {
	n := Base32Len(len(digest))
	dst := make([]byte, n)
	// Character i (0 = most significant) holds bits
	// [(n-1-i)*5, (n-1-i)*5+5) of the little-endian bit stream formed by
	// digest.
	for i := 0; i < n; i++ {
		bitPos := (n - 1 - i) * 5
		dst[i] = base32Alphabet[extractBits(digest, bitPos, 5)]
	}
	return string(dst)
}

// extractBits reads width bits (width <= 8) starting at bit offset start of
// the little-endian bit stream formed by treating data[0] as the
// least-significant byte's worth of low-order bits first.
func extractBits(data []byte, start, width int) byte {
	var result uint16
	for i := 0; i < width; i++ {
		bit := start + i
		byteIdx := bit / 8
		if byteIdx >= len(data) {
			continue
		}
		bitIdx := bit % 8
		if data[byteIdx]&(1<<uint(bitIdx)) != 0 {
			result |= 1 << uint(i)
		}
	}
	return byte(result)
}

// DecodeBase32 decodes s, which must encode exactly size bytes, using Nix's
// base-32 alphabet.
func DecodeBase32(s string, size int) ([]byte, error) {
	if len(s) != Base32Len(size) {
		return nil, fmt.Errorf("base32: wrong length (got %d chars, want %d for %d bytes)", len(s), Base32Len(size), size)
	}
	dst := make([]byte, size)
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		v := indexBase32(c)
		if v < 0 {
			return nil, fmt.Errorf("base32: invalid character %q", c)
		}
		bitPos := (n - 1 - i) * 5
		// Any bits beyond size*8 must be zero, or the encoding was invalid
		// for this size.
		for j := 0; j < 5; j++ {
			if v&(1<<uint(j)) != 0 && bitPos+j >= size*8 {
				return nil, fmt.Errorf("base32: non-canonical encoding (excess bits set)")
			}
		}
		setBits(dst, bitPos, 5, byte(v))
	}
	return dst, nil
}

func setBits(dst []byte, start, width int, v byte) {
	for i := 0; i < width; i++ {
		if v&(1<<uint(i)) == 0 {
			continue
		}
		bit := start + i
		byteIdx := bit / 8
		if byteIdx >= len(dst) {
			continue
		}
		dst[byteIdx] |= 1 << uint(bit%8)
	}
}

func indexBase32(c byte) int {
	for i := 0; i < len(base32Alphabet); i++ {
		if base32Alphabet[i] == c {
			return i
		}
	}
	return -1
}

// ValidateString32 reports whether s consists solely of characters from
// Nix's base-32 alphabet.
func ValidateString32(s string) error {
	for i := 0; i < len(s); i++ {
		if indexBase32(s[i]) < 0 {
			return fmt.Errorf("invalid base32 character %q at offset %d", s[i], i)
		}
	}
	return nil
}
