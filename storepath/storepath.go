// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package storepath implements store path algebra: parsing, constructing,
// and digesting the absolute filesystem paths of store objects.
//
// A store path has the form "<store-dir>/<digest>-<name>", where digest is
// a 32-character run of Nix's custom base-32 alphabet and name is an
// arbitrary string of path-safe characters. The digest is derived from a
// "fingerprint" that mixes the object's content address (or, for
// input-addressed outputs, the derivation that produced it), its set of
// references, the store directory, and its name — never from the object's
// raw bytes directly, which is what lets two stores with different
// directories compute different paths for otherwise identical content, and
// what lets a content-addressed object legally reference itself without its
// hash depending on where the reference happens to be computed.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"strings"

	"lix.dev/core/internal/sortedset"
	"lix.dev/core/nixhash"
)

// Directory is the absolute path of a store, e.g. "/lix/store".
type Directory string

// DefaultDirectory is the store directory used when none is configured.
const DefaultDirectory Directory = "/lix/store"

// CleanDirectory cleans an absolute path as a [Directory]. It returns an
// error if p is not absolute.
func CleanDirectory(p string) (Directory, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("store directory %q is not absolute", p)
	}
	return Directory(path.Clean(p)), nil
}

// Join joins elem to the store directory, POSIX-style.
func (dir Directory) Join(elem ...string) string {
	return path.Join(append([]string{string(dir)}, elem...)...)
}

// Object returns the store path for the given store object name, which must
// be a single non-empty path component.
func (dir Directory) Object(name string) (Path, error) {
	joined := dir.Join(name)
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("parse store path %s: invalid object name %q", joined, name)
	}
	return ParsePath(joined)
}

// ParsePath verifies that p is an absolute path that names either a store
// object directly under dir or a file inside one, returning the store
// object's path and, if p named a file inside it, the slash-separated
// relative path to that file.
func (dir Directory) ParsePath(p string) (storePath Path, sub string, err error) {
	if !path.IsAbs(p) {
		return "", "", fmt.Errorf("parse store path %s: not absolute", p)
	}
	cleaned := path.Clean(p)
	prefix := path.Clean(string(dir)) + "/"
	tail, ok := strings.CutPrefix(cleaned, prefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", p, dir)
	}
	childName, sub, _ := strings.Cut(tail, "/")
	storePath, err = ParsePath(cleaned[:len(prefix)+len(childName)])
	if err != nil {
		return "", "", err
	}
	return storePath, sub, nil
}

// Path is the absolute path of a store object in the filesystem, e.g.
// "/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1".
type Path string

const (
	digestLength    = 32
	maxObjectLength = digestLength + 1 + 211
)

// ParsePath parses an absolute path as a store path: an immediate child of
// some store directory, whose name begins with a 32-character base-32
// digest and a dash.
func ParsePath(p string) (Path, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("parse store path %s: not absolute", p)
	}
	cleaned := path.Clean(p)
	base := path.Base(cleaned)
	if len(base) < digestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", p, base)
	}
	if len(base) > maxObjectLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", p, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", p, base, base[i])
		}
	}
	if err := nixhash.ValidateString32(base[:digestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", p, err)
	}
	if base[digestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", p)
	}
	return Path(cleaned), nil
}

// Dir returns the path's store directory.
func (p Path) Dir() Directory {
	return Directory(path.Dir(string(p)))
}

// Base returns the last element of the path: "<digest>-<name>".
func (p Path) Base() string {
	if p == "" {
		return ""
	}
	return path.Base(string(p))
}

// Digest returns the path's digest component.
func (p Path) Digest() string {
	base := p.Base()
	if len(base) < digestLength {
		return ""
	}
	return base[:digestLength]
}

// Name returns the path's name component, following the digest and dash.
func (p Path) Name() string {
	base := p.Base()
	if len(base) <= digestLength+len("-") {
		return ""
	}
	return base[digestLength+len("-"):]
}

// IsDerivation reports whether the path's name ends in ".drv".
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(p.Base(), DerivationExt)
}

// DerivationExt is the file extension used by serialized derivations.
const DerivationExt = ".drv"

// Join joins elem to the store path, POSIX-style.
func (p Path) Join(elem ...string) string {
	return p.Dir().Join(append([]string{p.Base()}, elem...)...)
}

// MarshalText implements [encoding.TextMarshaler].
func (p Path) MarshalText() ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(p), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] via [ParsePath].
func (p *Path) UnmarshalText(data []byte) error {
	parsed, err := ParsePath(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// References is the set of store paths (and, potentially, a self-reference)
// that a store object's contents refer to.
type References struct {
	// Self is true if the object contains one or more references to its
	// own store path.
	Self bool
	// Others holds the other store objects the object references.
	Others sortedset.Set[Path]
}

// IsEmpty reports whether refs is the empty set.
func (refs References) IsEmpty() bool {
	return !refs.Self && refs.Others.Len() == 0
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}

// MakeStorePath computes the store path for a store object named name under
// dir, given a type tag (e.g. "text", "source", "output:out"), a hash, and
// its reference set. This is the single fingerprinting algorithm underlying
// every path-construction variant the store uses; see
// [MakeFixedOutputPath], [ComputeStorePathForText], and [MakeOutputPath] for those
// variants.
func MakeStorePath(dir Directory, typ string, hash nixhash.Hash, name string, refs References) (Path, error) {
	h := sha256.New()
	io.WriteString(h, typ)
	for i := 0; i < refs.Others.Len(); i++ {
		io.WriteString(h, ":")
		io.WriteString(h, string(refs.Others.At(i)))
	}
	if refs.Self {
		io.WriteString(h, ":self")
	}
	io.WriteString(h, ":")
	io.WriteString(h, hash.Base16())
	io.WriteString(h, ":")
	io.WriteString(h, string(dir))
	io.WriteString(h, ":")
	io.WriteString(h, name)
	fingerprint := h.Sum(nil)
	compressed := make([]byte, 20)
	nixhash.CompressHash(compressed, fingerprint)
	digest := nixhash.EncodeBase32(compressed)
	return dir.Object(digest + "-" + name)
}
