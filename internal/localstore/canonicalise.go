// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// canonicalTime is the fixed modification time every store object's files
// and directories are stamped with, per spec.md's canonicalisation
// invariant: epoch plus one second, matching the convention the reference
// implementation uses to keep the value comfortably nonzero while staying
// recognizable as a sentinel rather than a real timestamp.
var canonicalTime = time.Unix(1, 0)

// canonicalise walks the tree rooted at realPath after a build or NAR
// restoration and enforces spec.md 4.3's canonical form: every file's
// modification time is pinned to [canonicalTime], and permissions are
// masked down to 0444 (0555 if any execute bit was set). [nar.Restore]
// already creates files with exactly these permissions, so canonicalise
// exists to cover trees written by other means (builder output, repair) and
// to normalize mtimes, which Restore does not set.
func canonicalise(realPath string) error {
	return filepath.WalkDir(realPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			// Symlinks carry no meaningful permissions and most platforms
			// cannot set their mtime without following the link, so leave
			// them untouched.
			return nil
		case d.IsDir():
			if err := os.Chmod(p, 0o555); err != nil {
				return fmt.Errorf("canonicalise %s: %v", p, err)
			}
		default:
			mode := fs.FileMode(0o444)
			if info.Mode()&0o111 != 0 {
				mode = 0o555
			}
			if err := os.Chmod(p, mode); err != nil {
				return fmt.Errorf("canonicalise %s: %v", p, err)
			}
		}
		if err := os.Chtimes(p, canonicalTime, canonicalTime); err != nil {
			return fmt.Errorf("canonicalise %s: %v", p, err)
		}
		return nil
	})
}
