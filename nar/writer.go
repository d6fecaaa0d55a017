// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
)

// Writer serializes a sequence of NAR entries to an underlying [io.Writer].
// Entries for a directory's children must be written in strictly
// lexicographic order by raw byte name; [DumpPath] enforces this
// automatically.
type Writer struct {
	w       *bufio.Writer
	started bool
}

// NewWriter returns a new [Writer] that writes a NAR stream to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (nw *Writer) writeString(s string) error {
	_, err := nw.w.Write(appendString(nil, s))
	return err
}

// writeMagic writes the leading "nix-archive-1" string exactly once.
func (nw *Writer) writeMagic() error {
	if nw.started {
		return nil
	}
	nw.started = true
	return nw.writeString(Magic)
}

// Flush flushes any buffered data to the underlying writer.
func (nw *Writer) Flush() error {
	return nw.w.Flush()
}

// dumpNode writes one filesystem node (file, directory, or symlink) and its
// descendants, reading file contents and directory entries through fsys.
func dumpNode(nw *Writer, fsys fileTree, name string, filter func(string) bool) error {
	if err := nw.writeMagic(); err != nil {
		return err
	}
	return nw.writeNode(fsys, name, filter)
}

func (nw *Writer) writeNode(fsys fileTree, name string, filter func(string) bool) error {
	if err := nw.writeString("("); err != nil {
		return err
	}
	info, err := fsys.lstat(name)
	if err != nil {
		return err
	}
	switch {
	case info.IsDir():
		if err := nw.writeString("type"); err != nil {
			return err
		}
		if err := nw.writeString("directory"); err != nil {
			return err
		}
		entries, err := fsys.readdir(name)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			child := path.Join(name, e)
			if filter != nil && !filter(child) {
				continue
			}
			names = append(names, e)
		}
		sort.Strings(names)
		for i := 1; i < len(names); i++ {
			if names[i] == names[i-1] {
				return fmt.Errorf("nar: directory %q has duplicate entry %q", name, names[i])
			}
		}
		for _, e := range names {
			if err := nw.writeString("entry"); err != nil {
				return err
			}
			if err := nw.writeString("("); err != nil {
				return err
			}
			if err := nw.writeString("name"); err != nil {
				return err
			}
			if err := nw.writeString(e); err != nil {
				return err
			}
			if err := nw.writeString("node"); err != nil {
				return err
			}
			if err := nw.writeNode(fsys, path.Join(name, e), filter); err != nil {
				return err
			}
			if err := nw.writeString(")"); err != nil {
				return err
			}
		}
	case info.Mode()&os.ModeSymlink != 0:
		target, err := fsys.readlink(name)
		if err != nil {
			return err
		}
		if err := nw.writeString("type"); err != nil {
			return err
		}
		if err := nw.writeString("symlink"); err != nil {
			return err
		}
		if err := nw.writeString("target"); err != nil {
			return err
		}
		if err := nw.writeString(target); err != nil {
			return err
		}
	case info.Mode().IsRegular():
		if err := nw.writeString("type"); err != nil {
			return err
		}
		if err := nw.writeString("regular"); err != nil {
			return err
		}
		if info.Mode()&0o100 != 0 {
			if err := nw.writeString("executable"); err != nil {
				return err
			}
			if err := nw.writeString(""); err != nil {
				return err
			}
		}
		if err := nw.writeString("contents"); err != nil {
			return err
		}
		size, r, closeFn, err := fsys.open(name)
		if err != nil {
			return err
		}
		defer closeFn()
		if err := nw.writeFileContents(size, r); err != nil {
			return err
		}
	default:
		return fmt.Errorf("nar: dump %q: %w", name, ErrUnsupportedType)
	}
	return nw.writeString(")")
}

func (nw *Writer) writeFileContents(size int64, r io.Reader) error {
	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(size))
	if _, err := nw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	n, err := io.Copy(nw.w, io.LimitReader(r, size))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("nar: file shrank while dumping (expected %d bytes, wrote %d)", size, n)
	}
	if pad := padding(int(size % stringAlign)); size%stringAlign != 0 {
		var zero [stringAlign]byte
		if _, err := nw.w.Write(zero[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
