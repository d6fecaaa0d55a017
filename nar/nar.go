// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package nar implements the Nix Archive (NAR) format: a canonical,
// self-describing serialization of a filesystem tree used for content
// hashing, transport, and restoration.
//
// The wire format is a sequence of 64-bit little-endian length-prefixed
// strings, each padded with zero bytes to a multiple of 8, framed by the
// literal tag strings "(", "type", "regular", "directory", "symlink",
// "executable", "contents", "entry", "name", "node", "target", and ")".
package nar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// Magic is the fixed string that begins every NAR stream.
const Magic = "nix-archive-1"

// stringAlign is the byte alignment NAR strings are padded to.
const stringAlign = 8

// Type enumerates the kinds of filesystem entries a NAR can represent.
type Type int8

const (
	// TypeRegular is a regular file, which may additionally be executable.
	TypeRegular Type = iota
	// TypeDirectory is a directory.
	TypeDirectory
	// TypeSymlink is a symbolic link.
	TypeSymlink
)

func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Header describes one entry in a NAR stream.
type Header struct {
	// Path is the slash-separated path of the entry relative to the
	// archive root, or "" for the root entry itself.
	Path string
	// Type is the kind of entry.
	Type Type
	// Executable is true if Type is [TypeRegular] and the owner-execute
	// bit was set on the original file.
	Executable bool
	// LinkTarget is the literal target of a symlink, valid only when
	// Type is [TypeSymlink].
	LinkTarget string
	// Size is the size in bytes of a regular file's contents. It is
	// populated by [Reader.Next].
	Size int64
}

// ErrUnsupportedType indicates that a filesystem entry is not a regular
// file, directory, or symlink, and therefore cannot be represented in a
// NAR.
var ErrUnsupportedType = errors.New("nar: unsupported file type")

// ErrBadArchive indicates that a byte stream is not a well-formed NAR.
var ErrBadArchive = errors.New("nar: malformed archive")

func badArchive(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadArchive, fmt.Sprintf(format, args...))
}

func appendString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(s)))
	dst = append(dst, s...)
	if pad := padding(len(s)); pad > 0 {
		var zero [stringAlign]byte
		dst = append(dst, zero[:pad]...)
	}
	return dst
}

func padding(n int) int {
	if off := n % stringAlign; off != 0 {
		return stringAlign - off
	}
	return 0
}

func padLen(n int) int {
	return n + padding(n)
}

// bufReader is satisfied by [bufio.Reader] and used internally so Reader
// can avoid re-wrapping an already-buffered reader.
type bufReader interface {
	io.Reader
	io.ByteReader
}

func asBufReader(r io.Reader) bufReader {
	if br, ok := r.(bufReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// FileInfo is the subset of [fs.FileInfo] the NAR dumper needs, allowing
// callers to dump synthetic trees without touching the filesystem.
type FileInfo = fs.FileInfo
