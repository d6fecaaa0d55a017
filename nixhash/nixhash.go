// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package nixhash implements the hash algebra used throughout the store:
// parsing and formatting of hashes in base16, base32, base64, and SRI form,
// independent of textual representation for comparison.
package nixhash

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
)

// Algorithm identifies a hash function by the tag used in wire formats
// (e.g. "sha256" in "sha256:1b8m...").
type Algorithm string

// Recognized algorithms, in order of increasing digest size.
const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Size returns the number of raw bytes a digest produced by algo occupies,
// or 0 if algo is not recognized.
func (algo Algorithm) Size() int {
	switch algo {
	case MD5:
		return 16
	case SHA1:
		return 20
	case SHA256:
		return 32
	case SHA512:
		return 64
	default:
		return 0
	}
}

// IsZero reports whether algo is the empty string.
func (algo Algorithm) IsZero() bool {
	return algo == ""
}

func (algo Algorithm) new() (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algo)
	}
}

// Hash is an immutable digest produced by one of the algorithms in this
// package. Hashes compare bytewise, never by textual form: two [Hash] values
// are [Hash.Equal] if and only if their algorithm and raw bytes match,
// regardless of which encoding either was parsed from.
type Hash struct {
	algo   Algorithm
	digest []byte
}

// New constructs a [Hash] from raw digest bytes.
// It returns an error if len(digest) does not match algo's natural size.
func New(algo Algorithm, digest []byte) (Hash, error) {
	if want := algo.Size(); want == 0 {
		return Hash{}, fmt.Errorf("new hash: unknown algorithm %q", algo)
	} else if len(digest) != want {
		return Hash{}, fmt.Errorf("new hash: %s digest must be %d bytes (got %d)", algo, want, len(digest))
	}
	return Hash{algo: algo, digest: append([]byte(nil), digest...)}, nil
}

// IsZero reports whether h is the zero Hash.
func (h Hash) IsZero() bool {
	return h.algo == ""
}

// Type returns the hash's algorithm.
func (h Hash) Type() Algorithm {
	return h.algo
}

// Bytes returns the raw digest bytes. The caller must not modify the
// returned slice.
func (h Hash) Bytes() []byte {
	return h.digest
}

// Equal reports whether h and h2 have the same algorithm and digest bytes.
func (h Hash) Equal(h2 Hash) bool {
	return h.algo == h2.algo && string(h.digest) == string(h2.digest)
}

// Base16 returns the lowercase hexadecimal encoding of the digest.
func (h Hash) Base16() string {
	return encodeBase16(h.digest)
}

// Base32 returns Nix's custom base-32 encoding of the digest.
func (h Hash) Base32() string {
	return EncodeBase32(h.digest)
}

// Base64 returns the standard base-64 encoding of the digest.
func (h Hash) Base64() string {
	return encodeBase64(h.digest)
}

// SRI returns the hash in Subresource Integrity form: "<algo>-<base64>".
func (h Hash) SRI() string {
	return string(h.algo) + "-" + h.Base64()
}

// String returns the hash in "<algo>:<base32>" form, matching the textual
// form store paths and narinfo files use by default.
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return string(h.algo) + ":" + h.Base32()
}

// MarshalText implements [encoding.TextMarshaler].
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return nil, fmt.Errorf("marshal hash: zero value")
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] by calling [Parse].
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse parses a hash in any of its accepted textual forms:
//
//   - "<algo>:<base16|base32|base64>"
//   - "<algo>-<base64>" (SRI)
//
// A bare digest without an algorithm prefix is rejected; use
// [ParseWithAlgorithm] for those.
func Parse(s string) (Hash, error) {
	algoStr, rest, ok := cutAlgoPrefix(s)
	if !ok {
		return Hash{}, fmt.Errorf("parse hash %q: missing algorithm prefix", s)
	}
	algo := Algorithm(algoStr)
	size := algo.Size()
	if size == 0 {
		return Hash{}, fmt.Errorf("parse hash %q: unknown algorithm %q", s, algoStr)
	}
	digest, err := decodeAny(rest, size)
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %v", s, err)
	}
	return Hash{algo: algo, digest: digest}, nil
}

// ParseWithAlgorithm parses a bare-encoded digest (no "algo:" or "algo-"
// prefix) using the explicitly given algorithm, accepting whichever of
// base16/base32/base64 matches the string's length.
func ParseWithAlgorithm(algo Algorithm, s string) (Hash, error) {
	size := algo.Size()
	if size == 0 {
		return Hash{}, fmt.Errorf("parse %s hash %q: unknown algorithm", algo, s)
	}
	digest, err := decodeAny(s, size)
	if err != nil {
		return Hash{}, fmt.Errorf("parse %s hash %q: %v", algo, s, err)
	}
	return Hash{algo: algo, digest: digest}, nil
}

// cutAlgoPrefix splits s into an algorithm tag and the remaining encoded
// digest, recognizing both "algo:digest" and "algo-digest" (SRI) forms.
func cutAlgoPrefix(s string) (algo, rest string, ok bool) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return "", "", false
}

func decodeAny(s string, size int) ([]byte, error) {
	switch len(s) {
	case base16Len(size):
		return decodeBase16(s)
	case Base32Len(size):
		return DecodeBase32(s, size)
	case base64Len(size):
		return decodeBase64(s)
	default:
		// Fall back to trying each: a hash may have a length that
		// coincides with another algorithm's natural encoded length.
		if b, err := decodeBase16(s); err == nil && len(b) == size {
			return b, nil
		}
		if b, err := DecodeBase32(s, size); err == nil && len(b) == size {
			return b, nil
		}
		if b, err := decodeBase64(s); err == nil && len(b) == size {
			return b, nil
		}
		return nil, fmt.Errorf("digest %q does not match any known encoding for a %d-byte hash", s, size)
	}
}
