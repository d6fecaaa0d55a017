// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nar

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Reader reads a NAR stream as a sequence of [Header] values in depth-first
// pre-order, mirroring the shape of [archive/tar.Reader]. Call [Reader.Next]
// to advance to the next entry, then read that entry's content (if any)
// directly from the Reader.
//
// Entries within a directory must appear in strictly ascending lexicographic
// order by raw byte name, with no duplicates; [Reader.Next] reports
// [ErrBadArchive] otherwise. Names that are empty, "." or "..", or that
// contain "/", a NUL byte, or the case-hack suffix "~nix~case~hack~" are
// rejected for the same reason:
// letting them through would make restoration ambiguous or unsafe on
// case-folding or Unicode-normalizing filesystems.
type Reader struct {
	r    bufReader
	errc chan error
	itemc chan readerItem

	started  bool
	finished bool
	fatal    error

	curBody *io.PipeReader
	abort   chan struct{}
}

type readerItem struct {
	hdr  Header
	body *io.PipeReader
}

// NewReader returns a [Reader] that reads a NAR stream from r.
func NewReader(r io.Reader) *Reader {
	nr := &Reader{
		r:     asBufReader(r),
		errc:  make(chan error, 1),
		itemc: make(chan readerItem),
		abort: make(chan struct{}),
	}
	return nr
}

// Next advances to the next entry in the archive. It returns [io.EOF] when
// there are no more entries.
func (nr *Reader) Next() (*Header, error) {
	if nr.fatal != nil {
		return nil, nr.fatal
	}
	if nr.curBody != nil {
		io.Copy(io.Discard, nr.curBody)
		nr.curBody.Close()
		nr.curBody = nil
	}
	if nr.finished {
		return nil, io.EOF
	}
	if !nr.started {
		nr.started = true
		go nr.run()
	}
	select {
	case it, ok := <-nr.itemc:
		if !ok {
			if err := <-nr.errc; err != nil {
				nr.fatal = err
				return nil, err
			}
			nr.finished = true
			return nil, io.EOF
		}
		nr.curBody = it.body
		h := it.hdr
		return &h, nil
	case err := <-nr.errc:
		nr.fatal = err
		if err == nil {
			nr.finished = true
			return nil, io.EOF
		}
		return nil, err
	}
}

// Read reads from the content of the most recent entry returned by
// [Reader.Next]. It returns (0, [io.EOF]) if the current entry has no
// content (a directory or symlink) or its content has been fully read.
func (nr *Reader) Read(p []byte) (int, error) {
	if nr.curBody == nil {
		return 0, io.EOF
	}
	return nr.curBody.Read(p)
}

// Close abandons the archive, releasing the background goroutine that
// parses the stream. It is safe to call Close even after reading the
// archive to completion.
func (nr *Reader) Close() error {
	if nr.started && !nr.finished {
		close(nr.abort)
	}
	if nr.curBody != nil {
		nr.curBody.Close()
	}
	return nil
}

// run parses the whole stream in a background goroutine, handing each
// entry's header (and, for regular files, a pipe to stream its content) to
// the caller of Next over itemc. It lets content streaming overlap with
// caller consumption instead of buffering whole files in memory.
func (nr *Reader) run() {
	defer close(nr.itemc)
	err := nr.parseTop()
	select {
	case nr.errc <- err:
	case <-nr.abort:
	}
}

func (nr *Reader) parseTop() error {
	magic, err := nr.readString()
	if err != nil {
		return err
	}
	if magic != Magic {
		return badArchive("bad magic %q", magic)
	}
	return nr.parseNode("")
}

func (nr *Reader) parseNode(path string) error {
	if err := nr.expect("("); err != nil {
		return err
	}
	tag, err := nr.readString()
	if err != nil {
		return err
	}
	if tag != "type" {
		return badArchive("expected %q, got %q", "type", tag)
	}
	typ, err := nr.readString()
	if err != nil {
		return err
	}
	switch typ {
	case "regular":
		return nr.parseRegular(path)
	case "directory":
		return nr.parseDirectory(path)
	case "symlink":
		return nr.parseSymlink(path)
	default:
		return fmt.Errorf("%s: %w (type %q)", path, ErrUnsupportedType, typ)
	}
}

func (nr *Reader) parseRegular(path string) error {
	executable := false
	tag, err := nr.readString()
	if err != nil {
		return err
	}
	if tag == "executable" {
		if _, err := nr.readString(); err != nil {
			return err
		}
		executable = true
		tag, err = nr.readString()
		if err != nil {
			return err
		}
	}
	if tag != "contents" {
		return badArchive("expected %q, got %q", "contents", tag)
	}
	size, err := nr.readUint64()
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	select {
	case nr.itemc <- readerItem{hdr: Header{Path: path, Type: TypeRegular, Executable: executable, Size: int64(size)}, body: pr}:
	case <-nr.abort:
		pw.Close()
		return errReaderAborted
	}
	if _, err := io.CopyN(pw, nr.r, int64(size)); err != nil {
		pw.CloseWithError(err)
		return err
	}
	if err := nr.skipPadding(size); err != nil {
		pw.CloseWithError(err)
		return err
	}
	pw.Close()
	return nr.expect(")")
}

func (nr *Reader) parseSymlink(path string) error {
	tag, err := nr.readString()
	if err != nil {
		return err
	}
	if tag != "target" {
		return badArchive("expected %q, got %q", "target", tag)
	}
	target, err := nr.readString()
	if err != nil {
		return err
	}
	select {
	case nr.itemc <- readerItem{hdr: Header{Path: path, Type: TypeSymlink, LinkTarget: target}}:
	case <-nr.abort:
		return errReaderAborted
	}
	return nr.expect(")")
}

func (nr *Reader) parseDirectory(path string) error {
	select {
	case nr.itemc <- readerItem{hdr: Header{Path: path, Type: TypeDirectory}}:
	case <-nr.abort:
		return errReaderAborted
	}
	lastName := ""
	haveLast := false
	for {
		tag, err := nr.readString()
		if err != nil {
			return err
		}
		switch tag {
		case ")":
			return nil
		case "entry":
			if err := nr.expect("("); err != nil {
				return err
			}
			if err := nr.expectTag("name"); err != nil {
				return err
			}
			name, err := nr.readString()
			if err != nil {
				return err
			}
			if err := validateEntryName(name); err != nil {
				return err
			}
			if haveLast && name <= lastName {
				return badArchive("directory entries out of order: %q then %q", lastName, name)
			}
			lastName, haveLast = name, true
			if err := nr.expectTag("node"); err != nil {
				return err
			}
			childPath := name
			if path != "" {
				childPath = path + "/" + name
			}
			if err := nr.parseNode(childPath); err != nil {
				return err
			}
			if err := nr.expect(")"); err != nil {
				return err
			}
		default:
			return badArchive("expected %q or %q, got %q", "entry", ")", tag)
		}
	}
}

func validateEntryName(name string) error {
	if name == "" {
		return badArchive("empty directory entry name")
	}
	if name == "." || name == ".." {
		return badArchive("directory entry name %q is not allowed", name)
	}
	if strings.ContainsAny(name, "/\x00") {
		return badArchive("directory entry name %q contains a forbidden character", name)
	}
	if i := strings.Index(name, caseHackSuffix); i >= 0 {
		return badArchive("directory entry name %q carries a case-hack suffix", name)
	}
	return nil
}

// caseHackSuffix is the marker Nix appends to on-disk file names that
// collide under case folding, so the original case-sensitive name can be
// recovered. A NAR itself must never contain it: it is purely a local
// restoration detail, and seeing it on the wire means the archive was not
// produced by dumping a real store path.
const caseHackSuffix = "~nix~case~hack~"

var errReaderAborted = fmt.Errorf("nar: reader closed before archive fully read")

func (nr *Reader) expect(tag string) error {
	got, err := nr.readString()
	if err != nil {
		return err
	}
	if got != tag {
		return badArchive("expected %q, got %q", tag, got)
	}
	return nil
}

func (nr *Reader) expectTag(tag string) error {
	return nr.expect(tag)
}

func (nr *Reader) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(nr.r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (nr *Reader) skipPadding(contentLen uint64) error {
	pad := padding(int(contentLen % stringAlign))
	if pad == 0 {
		return nil
	}
	var buf [stringAlign]byte
	_, err := io.ReadFull(nr.r, buf[:pad])
	return err
}

func (nr *Reader) readString() (string, error) {
	n, err := nr.readUint64()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", badArchive("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(nr.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = badArchive("truncated string")
		}
		return "", err
	}
	if err := nr.skipPadding(n); err != nil {
		return "", err
	}
	return string(buf), nil
}

// maxStringLen bounds a single NAR string field to guard against corrupt or
// hostile input claiming an absurd length.
const maxStringLen = 1 << 34
