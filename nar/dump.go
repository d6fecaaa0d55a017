// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nar

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// fileTree abstracts the filesystem operations [DumpPath] needs, so that
// tests can dump a synthetic tree without touching disk.
type fileTree interface {
	lstat(name string) (fs.FileInfo, error)
	readdir(name string) ([]string, error)
	readlink(name string) (string, error)
	open(name string) (size int64, r io.Reader, closeFunc func() error, err error)
}

// osFileTree implements fileTree by rooting every name at a directory on
// disk.
type osFileTree struct {
	root string
}

func (t osFileTree) path(name string) string {
	if name == "" {
		return t.root
	}
	return filepath.Join(t.root, filepath.FromSlash(name))
}

func (t osFileTree) lstat(name string) (fs.FileInfo, error) {
	return os.Lstat(t.path(name))
}

func (t osFileTree) readdir(name string) ([]string, error) {
	entries, err := os.ReadDir(t.path(name))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (t osFileTree) readlink(name string) (string, error) {
	return os.Readlink(t.path(name))
}

func (t osFileTree) open(name string) (int64, io.Reader, func() error, error) {
	f, err := os.Open(t.path(name))
	if err != nil {
		return 0, nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, nil, nil, err
	}
	return info.Size(), f, f.Close, nil
}

// DumpPath serializes the filesystem tree rooted at root to w as a NAR. If
// filter is non-nil, it is called with each candidate path (relative to
// root, slash-separated) and entries for which it returns false, along with
// their descendants, are omitted from both the dump and its ordering.
//
// DumpPath fails with [ErrUnsupportedType] if it encounters an entry that is
// not a regular file, directory, or symlink.
func DumpPath(w io.Writer, root string, filter func(string) bool) error {
	nw := NewWriter(w)
	if err := dumpNode(nw, osFileTree{root: root}, "", filter); err != nil {
		return err
	}
	return nw.Flush()
}

// Dump serializes a single regular file's contents as a one-file NAR,
// marking it executable iff executable is true.
func Dump(w io.Writer, r io.Reader, size int64, executable bool) error {
	nw := NewWriter(w)
	if err := nw.writeMagic(); err != nil {
		return err
	}
	if err := nw.writeString("("); err != nil {
		return err
	}
	if err := nw.writeString("type"); err != nil {
		return err
	}
	if err := nw.writeString("regular"); err != nil {
		return err
	}
	if executable {
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
	if err := nw.writeFileContents(size, r); err != nil {
		return err
	}
	if err := nw.writeString(")"); err != nil {
		return err
	}
	return nw.Flush()
}
