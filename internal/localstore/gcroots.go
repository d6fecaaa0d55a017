// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"lix.dev/core/storepath"
)

// tempRoot durably pins one store path against garbage collection for the
// lifetime of the process holding it open. Its backing file lives under
// stateDir/temproots, named by PID. The file itself is not locked:
// AddTempRoot holds the GC lock shared only while it appends and syncs the
// path, so collectGarbage's exclusive GC-lock acquisition can never race a
// caller that has not yet recorded its root, and the pin is durable before
// the path is used, not after.
type tempRoot struct {
	f *os.File
}

// AddTempRoot durably pins path against collection until release is
// called, implementing spec.md 4.3's addTempRoot.
func (s *Store) AddTempRoot(ctx context.Context, path storepath.Path) (release func(), err error) {
	if err := s.gcLock.Shared(); err != nil {
		return nil, fmt.Errorf("add temp root %s: %v", path, err)
	}
	defer s.gcLock.Unlock()

	name := filepath.Join(s.stateTempRootsDir(), strconv.Itoa(os.Getpid()))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("add temp root %s: %v", path, err)
	}
	if _, err := fmt.Fprintln(f, path); err != nil {
		f.Close()
		return nil, fmt.Errorf("add temp root %s: %v", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("add temp root %s: %v", path, err)
	}
	tr := &tempRoot{f: f}
	return func() { tr.f.Close() }, nil
}

// readTempRoots collects every path pinned by a live temp-root file under
// stateDir/temproots. Files are append-only per process for the lifetime of
// that process; a process that has exited without removing its file (e.g.
// killed) leaves a stale file whose lines keep being treated as live, since
// nothing in this package removes temp-root files, erring toward not
// collecting a path that might still be in use.
func (s *Store) readTempRoots() (storepath.Directory, []storepath.Path, error) {
	entries, err := os.ReadDir(s.stateTempRootsDir())
	if err != nil {
		return "", nil, fmt.Errorf("read temp roots: %v", err)
	}
	var roots []storepath.Path
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.stateTempRootsDir(), entry.Name()))
		if err != nil {
			continue
		}
		for _, line := range splitLines(data) {
			if line == "" {
				continue
			}
			p, err := storepath.ParsePath(line)
			if err != nil {
				continue
			}
			roots = append(roots, p)
		}
	}
	return s.dir, roots, nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func (s *Store) stateTempRootsDir() string {
	return filepath.Join(s.stateDir, "temproots")
}

func (s *Store) stateGCRootsDir() string {
	return filepath.Join(s.stateDir, "gcroots", "auto")
}

// AddIndirectRoot records a symlink under stateDir/gcroots/auto named after
// the SHA-256 of symlinkPath itself, pointing to symlinkPath — which in
// turn must point at the store path the caller wants rooted. This two-hop
// indirection, per spec.md 4.3's addIndirectRoot, lets a user-owned
// directory (e.g. a "result" symlink from a build) register a GC root
// without the store needing write access to that directory, and lets
// collectGarbage notice and prune the indirect root automatically once
// symlinkPath itself goes missing or no longer resolves to a store path.
func (s *Store) AddIndirectRoot(symlinkPath string) error {
	abs, err := filepath.Abs(symlinkPath)
	if err != nil {
		return fmt.Errorf("add indirect root %s: %v", symlinkPath, err)
	}
	sum := sha256.Sum256([]byte(abs))
	linkName := filepath.Join(s.stateGCRootsDir(), hex.EncodeToString(sum[:]))
	if err := os.Remove(linkName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("add indirect root %s: %v", symlinkPath, err)
	}
	if err := os.Symlink(abs, linkName); err != nil {
		return fmt.Errorf("add indirect root %s: %v", symlinkPath, err)
	}
	return nil
}

// readIndirectRoots resolves every symlink under stateDir/gcroots/auto to
// the store path it ultimately names, pruning (deleting) links whose target
// has disappeared or no longer resolves to a valid store path rather than
// erroring — a dangling indirect root is expected steady-state (its
// "result" symlink was deleted by the user) and collectGarbage's job is to
// quietly clean it up, not to treat it as corruption.
func (s *Store) readIndirectRoots(ctx context.Context) ([]storepath.Path, error) {
	entries, err := os.ReadDir(s.stateGCRootsDir())
	if err != nil {
		return nil, fmt.Errorf("read indirect roots: %v", err)
	}
	var roots []storepath.Path
	for _, entry := range entries {
		linkName := filepath.Join(s.stateGCRootsDir(), entry.Name())
		target, err := os.Readlink(linkName)
		if err != nil {
			continue
		}
		finalTarget, err := os.Readlink(target)
		if err != nil {
			os.Remove(linkName)
			continue
		}
		storePath, _, err := s.dir.ParsePath(finalTarget)
		if err != nil {
			os.Remove(linkName)
			continue
		}
		conn, err := s.conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("read indirect roots: %v", err)
		}
		exists, err := objectExists(conn, storePath)
		s.putConn(conn)
		if err != nil {
			return nil, fmt.Errorf("read indirect roots: %v", err)
		}
		if !exists {
			os.Remove(linkName)
			continue
		}
		roots = append(roots, storePath)
	}
	return roots, nil
}
