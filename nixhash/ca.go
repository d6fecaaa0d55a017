// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nixhash

import (
	"fmt"
	"strings"
)

// Method names how a store object's content was hashed to produce a
// [ContentAddress].
type Method int8

const (
	// Flat hashes a single file's raw bytes directly.
	Flat Method = 1 + iota
	// Recursive hashes a NAR serialization of a file or directory tree.
	Recursive
	// Text hashes a single file's raw bytes the same way as [Flat], but
	// marks the result as describing a text file whose references are
	// tracked structurally rather than scanned for (used for derivations
	// and other generated text that embeds store paths).
	Text
)

// String returns the method's narinfo/derivation wire prefix: "", "r:", or
// "text:".
func (m Method) String() string {
	switch m {
	case Flat:
		return ""
	case Recursive:
		return "r:"
	case Text:
		return "text:"
	default:
		return "unknown"
	}
}

// ContentAddress asserts that a store object's contents can be verified by
// rehashing them with a particular [Method] and comparing against a stored
// [Hash]. The zero value is not a valid content address.
type ContentAddress struct {
	method Method
	hash   Hash
}

// NewContentAddress returns a [ContentAddress] asserting that hashing the
// object's contents with method produces hash.
func NewContentAddress(method Method, hash Hash) ContentAddress {
	return ContentAddress{method: method, hash: hash}
}

// FlatContentAddress returns a content address for a single file hashed
// directly (not through a NAR serialization).
func FlatContentAddress(h Hash) ContentAddress {
	return ContentAddress{method: Flat, hash: h}
}

// RecursiveContentAddress returns a content address for a file or directory
// tree hashed via its NAR serialization.
func RecursiveContentAddress(h Hash) ContentAddress {
	return ContentAddress{method: Recursive, hash: h}
}

// TextContentAddress returns a content address for a generated text file
// (such as a derivation) hashed directly, with its store-path references
// tracked structurally rather than scanned for.
func TextContentAddress(h Hash) ContentAddress {
	return ContentAddress{method: Text, hash: h}
}

// IsZero reports whether ca is the zero ContentAddress.
func (ca ContentAddress) IsZero() bool {
	return ca.hash.IsZero()
}

// Method returns the method used to produce ca's hash.
func (ca ContentAddress) Method() Method {
	return ca.method
}

// Hash returns the content address's hash.
func (ca ContentAddress) Hash() Hash {
	return ca.hash
}

// IsText reports whether ca uses [Text].
func (ca ContentAddress) IsText() bool {
	return ca.method == Text
}

// IsRecursiveFile reports whether ca uses [Recursive].
func (ca ContentAddress) IsRecursiveFile() bool {
	return ca.method == Recursive
}

// IsFixed reports whether ca asserts any content address at all. It is the
// complement of [ContentAddress.IsZero], kept as a separate method because
// callers read more naturally asking "is this fixed-output" than "is this
// non-zero".
func (ca ContentAddress) IsFixed() bool {
	return !ca.IsZero()
}

// String returns ca in "<method prefix><algo>:<base32 digest>" form, e.g.
// "r:sha256:1b8m..." or "text:sha256:1b8m...".
func (ca ContentAddress) String() string {
	if ca.IsZero() {
		return ""
	}
	return ca.method.String() + ca.hash.String()
}

// ParseContentAddress parses the textual form produced by
// [ContentAddress.String]: an optional "r:" or "text:" method prefix
// followed by a hash in "<algo>:<encoding>" form.
func ParseContentAddress(s string) (ContentAddress, error) {
	method := Flat
	rest := s
	switch {
	case strings.HasPrefix(s, "r:"):
		method = Recursive
		rest = s[len("r:"):]
	case strings.HasPrefix(s, "text:"):
		method = Text
		rest = s[len("text:"):]
	}
	h, err := Parse(rest)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
	}
	if method == Text && h.Type() != SHA256 {
		return ContentAddress{}, fmt.Errorf("parse content address %q: text must be sha256", s)
	}
	return ContentAddress{method: method, hash: h}, nil
}

// MarshalText implements [encoding.TextMarshaler].
func (ca ContentAddress) MarshalText() ([]byte, error) {
	if ca.IsZero() {
		return nil, fmt.Errorf("marshal content address: zero value")
	}
	return []byte(ca.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (ca *ContentAddress) UnmarshalText(data []byte) error {
	parsed, err := ParseContentAddress(string(data))
	if err != nil {
		return err
	}
	*ca = parsed
	return nil
}
