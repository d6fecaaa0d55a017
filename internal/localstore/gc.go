// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// VerifyResult summarizes one pass of [Store.VerifyStore].
type VerifyResult struct {
	// Checked is the number of valid paths examined.
	Checked int
	// Missing lists paths registered as valid whose real directory entry is
	// gone.
	Missing []storepath.Path
	// Corrupt lists paths whose content no longer hashes to the recorded
	// NARHash.
	Corrupt []storepath.Path
}

// VerifyStore walks every valid path, checking that it still physically
// exists and, if checkContents is true, that rehashing its NAR still
// matches the recorded hash. A missing path is invalidated (its row and
// references are deleted) unless repair is true, in which case it is left
// in place for a substituter or rebuild to fix. A content mismatch is only
// reported: unlike a missing path, a corrupt-but-present path is evidence
// worth preserving rather than silently dropping, so repair here means
// "leave it to the caller to decide," not "invalidate it." It implements
// spec.md 4.3's verifyStore.
func (s *Store) VerifyStore(ctx context.Context, checkContents bool, repair bool) (*VerifyResult, error) {
	paths, err := s.QueryAllValidPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify store: %v", err)
	}

	result := &VerifyResult{Checked: len(paths)}
	for _, p := range paths {
		realPath := s.realPath(p)
		_, err := os.Lstat(realPath)
		if os.IsNotExist(err) {
			result.Missing = append(result.Missing, p)
			if !repair {
				if err := s.invalidatePath(ctx, p); err != nil {
					return nil, fmt.Errorf("verify store: %v", err)
				}
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("verify store: stat %s: %v", p, err)
		}
		if !checkContents {
			continue
		}

		info, err := s.QueryPathInfo(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("verify store: %v", err)
		}
		if info == nil {
			continue
		}
		hasher := nixhash.NewHasher(info.NARHash.Type())
		if err := nar.DumpPath(hasher, realPath, nil); err != nil || !hasher.SumHash().Equal(info.NARHash) {
			result.Corrupt = append(result.Corrupt, p)
			log.Warnf(ctx, "localstore: %s failed content verification", p)
		}
	}
	return result, nil
}

func (s *Store) invalidatePath(ctx context.Context, p storepath.Path) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.putConn(conn)
	return deleteValidPath(conn, p)
}

// deleteValidPath removes path's row (and, via ON DELETE CASCADE, its
// entries in Refs) from ValidPaths. Any DerivationOutputs row naming path
// as an output is reset to unrealised (path = NULL) rather than left
// dangling against the output column's ON DELETE RESTRICT, since an
// output whose store path was collected is exactly the "known by name,
// not yet realised" state that column already represents.
func deleteValidPath(conn *sqlite.Conn, path storepath.Path) error {
	err := sqlitex.ExecuteTransientFS(conn, sqlFiles(), "clear_derivation_output_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("invalidate %s: %v", path, err)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "invalidate_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("invalidate %s: %v", path, err)
	}
	return nil
}

// OptimiseStore hardlinks files with identical content across the store
// under realDir's ".links/<sha256>" directory, implementing spec.md 4.3's
// optimiseStore. Each candidate is linked into .links under a temporary
// name and renamed into place atomically, and swapped into its final
// location the same way, so a concurrent reader never observes a
// half-replaced file; losing the race to link the same content first (a
// concurrent build populating the same fixed-output path) is expected
// steady-state, not an error.
func (s *Store) OptimiseStore(ctx context.Context) error {
	linksDir := filepath.Join(s.realDir, ".links")
	if err := os.MkdirAll(linksDir, 0o755); err != nil {
		return fmt.Errorf("optimise store: %v", err)
	}

	paths, err := s.QueryAllValidPaths(ctx)
	if err != nil {
		return fmt.Errorf("optimise store: %v", err)
	}
	for _, p := range paths {
		realPath := s.realPath(p)
		err := filepath.Walk(realPath, func(file string, fi os.FileInfo, err error) error {
			if err != nil || !fi.Mode().IsRegular() {
				return err
			}
			return optimiseFile(linksDir, file, fi)
		})
		if err != nil {
			return fmt.Errorf("optimise store: %s: %v", p, err)
		}
	}
	return nil
}

func optimiseFile(linksDir, file string, fi os.FileInfo) error {
	h := sha256.New()
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	linkPath := filepath.Join(linksDir, digest)

	if linkInfo, err := os.Stat(linkPath); err == nil {
		if os.SameFile(linkInfo, fi) {
			return nil
		}
		return swapInHardlink(linkPath, file, fi.Mode())
	} else if !os.IsNotExist(err) {
		return err
	}

	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Link(file, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return swapInHardlink(linkPath, file, fi.Mode())
}

func swapInHardlink(linkPath, file string, mode os.FileMode) error {
	tmp := file + ".link-tmp"
	os.Remove(tmp)
	if err := os.Link(linkPath, tmp); err != nil {
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// GCOptions configures [Store.CollectGarbage].
type GCOptions struct {
	// Roots are additional store paths to keep live beyond what the
	// store's own GC roots (indirect roots, temp roots) already protect,
	// e.g. a caller-maintained profile generation history.
	Roots []storepath.Path
	// MaxFreedBytes stops collection once this many bytes have been
	// freed. Zero means no byte limit.
	MaxFreedBytes int64
	// MaxDeletedPaths stops collection once this many paths have been
	// deleted. Zero means no path limit.
	MaxDeletedPaths int
	// DryRun computes and returns what would be deleted without deleting
	// anything.
	DryRun bool
}

// GCResult reports what [Store.CollectGarbage] deleted, or would have
// deleted under [GCOptions.DryRun].
type GCResult struct {
	Deleted    []storepath.Path
	FreedBytes int64
}

// CollectGarbage acquires the store's global GC lock exclusively, computes
// the live set — the given roots, plus the store's own indirect and temp
// roots, plus the transitive closure of all of those through Refs — and
// deletes every other valid path in dependency-reverse order (a path is
// only deleted once every path still referencing it has already been
// deleted, satisfying the "referrers go before what they reference"
// ordering), stopping once a requested byte or path budget is met. It
// implements spec.md 4.3's collectGarbage.
func (s *Store) CollectGarbage(ctx context.Context, opts *GCOptions) (*GCResult, error) {
	if opts == nil {
		opts = &GCOptions{}
	}
	if err := s.gcLock.Exclusive(); err != nil {
		return nil, fmt.Errorf("collect garbage: %v", err)
	}
	defer s.gcLock.Unlock()

	allPaths, err := s.QueryAllValidPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect garbage: %v", err)
	}
	live, err := s.computeLiveSet(ctx, opts.Roots, allPaths)
	if err != nil {
		return nil, fmt.Errorf("collect garbage: %v", err)
	}
	order, err := s.reverseDependencyOrder(ctx, allPaths)
	if err != nil {
		return nil, fmt.Errorf("collect garbage: %v", err)
	}

	result := &GCResult{}
	for _, p := range order {
		if live[p] {
			continue
		}
		if opts.MaxDeletedPaths > 0 && len(result.Deleted) >= opts.MaxDeletedPaths {
			break
		}
		size, err := dirSize(s.realPath(p))
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("collect garbage: %s: %v", p, err)
		}
		if opts.MaxFreedBytes > 0 && result.FreedBytes+size > opts.MaxFreedBytes {
			break
		}
		if !opts.DryRun {
			if err := s.deletePath(ctx, p); err != nil {
				return nil, fmt.Errorf("collect garbage: %s: %v", p, err)
			}
			log.Debugf(ctx, "localstore: collected %s", p)
		}
		result.Deleted = append(result.Deleted, p)
		result.FreedBytes += size
	}
	if !opts.DryRun {
		s.metrics.RecordGCFreedBytes(ctx, result.FreedBytes)
	}
	return result, nil
}

// computeLiveSet returns the set of store paths that CollectGarbage must
// never delete: extraRoots, the store's own indirect and temp roots, and
// the transitive closure of all of those through Refs.
func (s *Store) computeLiveSet(ctx context.Context, extraRoots []storepath.Path, allPaths []storepath.Path) (map[storepath.Path]bool, error) {
	roots := append([]storepath.Path(nil), extraRoots...)

	indirect, err := s.readIndirectRoots(ctx)
	if err != nil {
		return nil, err
	}
	roots = append(roots, indirect...)

	_, tempRoots, err := s.readTempRoots()
	if err != nil {
		return nil, err
	}
	roots = append(roots, tempRoots...)

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.putConn(conn)

	live := make(map[storepath.Path]bool, len(allPaths))
	var visit func(p storepath.Path) error
	visit = func(p storepath.Path) error {
		if live[p] {
			return nil
		}
		live[p] = true
		refs, err := s.queryReferences(ctx, conn, p)
		if err != nil {
			return err
		}
		for i := 0; i < refs.Others.Len(); i++ {
			if err := visit(refs.Others.At(i)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// reverseDependencyOrder returns allPaths ordered so that every path
// appears before anything it references — the order in which it is safe
// to delete them one at a time without ever deleting a path some
// not-yet-deleted path still refers to.
func (s *Store) reverseDependencyOrder(ctx context.Context, allPaths []storepath.Path) ([]storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer s.putConn(conn)

	refsOf := make(map[storepath.Path][]storepath.Path, len(allPaths))
	for _, p := range allPaths {
		refs, err := s.queryReferences(ctx, conn, p)
		if err != nil {
			return nil, err
		}
		for i := 0; i < refs.Others.Len(); i++ {
			refsOf[p] = append(refsOf[p], refs.Others.At(i))
		}
	}

	var order []storepath.Path
	visited := make(map[storepath.Path]bool, len(allPaths))
	var visit func(p storepath.Path)
	visit = func(p storepath.Path) {
		if visited[p] {
			return
		}
		visited[p] = true
		for _, ref := range refsOf[p] {
			visit(ref)
		}
		order = append(order, p)
	}
	for _, p := range allPaths {
		visit(p)
	}
	// visit appends a path only after everything it references, so
	// reverse to put referrers before what they reference.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

func (s *Store) deletePath(ctx context.Context, p storepath.Path) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer s.putConn(conn)
	if err := deleteValidPath(conn, p); err != nil {
		return err
	}
	return os.RemoveAll(s.realPath(p))
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

var autoGCMu sync.Mutex
var autoGCRunning bool
var autoGCDone = make(chan struct{})

// AutoGC runs CollectGarbage down to maxFree bytes of free space whenever
// free space on the store filesystem drops below minFree, implementing
// spec.md 4.3's autoGC. Only one auto-GC pass runs at a time per process;
// if sync is true, a concurrent caller blocks until that pass finishes
// before returning, otherwise it returns immediately without starting a
// second pass.
func (s *Store) AutoGC(ctx context.Context, minFree, maxFree int64, sync bool) (*GCResult, error) {
	free, err := freeBytes(s.realDir)
	if err != nil {
		return nil, fmt.Errorf("auto gc: %v", err)
	}
	if free >= minFree {
		return nil, nil
	}

	autoGCMu.Lock()
	if autoGCRunning {
		done := autoGCDone
		autoGCMu.Unlock()
		if sync {
			<-done
		}
		return nil, nil
	}
	autoGCRunning = true
	done := make(chan struct{})
	autoGCDone = done
	autoGCMu.Unlock()
	defer func() {
		autoGCMu.Lock()
		autoGCRunning = false
		autoGCDone = make(chan struct{})
		autoGCMu.Unlock()
		close(done)
	}()

	toFree := maxFree - free
	if toFree <= 0 {
		return nil, nil
	}
	return s.CollectGarbage(ctx, &GCOptions{MaxFreedBytes: toFree})
}

// freeBytes reports the number of bytes free on the filesystem containing
// dir.
func freeBytes(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %v", dir, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
