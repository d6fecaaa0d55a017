// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Restore reads a NAR from r and recreates the filesystem tree it describes
// beneath dir, which must already exist and be empty.
//
// Restoration uses create-exclusive semantics throughout: it refuses to
// overwrite any existing file, directory, or symlink, returning an error
// instead. This holds even on filesystems that fold case or normalize
// Unicode, where two distinct NAR entry names could otherwise collide into
// the same on-disk path and silently clobber one another; Restore treats
// that collision as an archive or environment error rather than papering
// over it.
func Restore(dir string, r io.Reader) error {
	nr := NewReader(r)
	defer nr.Close()
	seen := make(map[string]struct{})
	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := restoreEntry(dir, hdr, nr, seen); err != nil {
			return fmt.Errorf("nar: restore %q: %w", hdr.Path, err)
		}
	}
}

func restoreEntry(dir string, hdr *Header, content io.Reader, seen map[string]struct{}) error {
	target := dir
	if hdr.Path != "" {
		target = filepath.Join(dir, filepath.FromSlash(hdr.Path))
	}
	key := strings.ToLower(hdr.Path)
	if _, ok := seen[key]; ok {
		return fmt.Errorf("entry collides with a previously restored entry under case folding")
	}
	seen[key] = struct{}{}

	switch hdr.Type {
	case TypeDirectory:
		if hdr.Path == "" {
			return ensureEmptyDir(target)
		}
		if err := os.Mkdir(target, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		return nil
	case TypeSymlink:
		if err := os.Symlink(hdr.LinkTarget, target); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		return nil
	case TypeRegular:
		return restoreRegular(target, hdr, content)
	default:
		return ErrUnsupportedType
	}
}

func restoreRegular(target string, hdr *Header, content io.Reader) error {
	mode := os.FileMode(0o444)
	if hdr.Executable {
		mode = 0o555
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()
	if _, err := io.CopyN(f, content, hdr.Size); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}

// ensureEmptyDir verifies that dir exists, is a directory, and has no
// entries, without creating or removing anything.
func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("restoration root: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("restoration root %q is not empty", dir)
	}
	return nil
}
