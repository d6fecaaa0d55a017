// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

func newTestStore(tb testing.TB) (*Store, storepath.Directory) {
	tb.Helper()
	root := tb.TempDir()
	realDir := filepath.Join(root, "store")
	if err := os.MkdirAll(realDir, 0o755); err != nil {
		tb.Fatal(err)
	}
	dir, err := storepath.CleanDirectory(realDir)
	if err != nil {
		tb.Fatal(err)
	}
	s, err := Open(dir, &Options{
		RealDir:  realDir,
		StateDir: filepath.Join(root, "state"),
	})
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Error(err)
		}
	})
	return s, dir
}

func TestAddTextToStore(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const text = "hello world\n"
	info, err := s.AddTextToStore(ctx, "hello.txt", []byte(text), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(string(s.Directory()), info.Path.Base()))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != text {
		t.Errorf("content = %q, want %q", got, text)
	}

	queried, err := s.QueryPathInfo(ctx, info.Path)
	if err != nil {
		t.Fatal(err)
	}
	if queried == nil {
		t.Fatalf("QueryPathInfo(%s) = nil, want a record", info.Path)
	}
	if queried.NARHash != info.NARHash {
		t.Errorf("NARHash = %v, want %v", queried.NARHash, info.NARHash)
	}
	if !queried.CA.IsText() {
		t.Errorf("CA method = %v, want text", queried.CA.Method())
	}
}

func TestAddToStoreFromDumpFlat(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const content = "#!/bin/sh\necho hi\n"
	hasher := nixhash.NewHasher(nixhash.SHA256)
	hasher.WriteString(content)

	info, err := s.AddToStoreFromDump(ctx, strings.NewReader(content), "script", nixhash.Flat, nixhash.SHA256, storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !info.CA.IsFixed() {
		t.Fatal("expected a fixed content address")
	}

	got, err := os.ReadFile(s.realPath(info.Path))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}

	// A second call with repair=false must be idempotent rather than error.
	if _, err := s.AddToStoreFromDump(ctx, strings.NewReader(content), "script", nixhash.Flat, nixhash.SHA256, storepath.References{}, false); err != nil {
		t.Errorf("second add: %v", err)
	}
}

func TestReferencesAndReferrers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	base, err := s.AddTextToStore(ctx, "base.txt", []byte("base\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}

	var refs storepath.References
	refs.Others.Add(base.Path)
	dependent, err := s.AddTextToStore(ctx, "dependent.txt", []byte("dependent\n"), refs, false)
	if err != nil {
		t.Fatal(err)
	}

	info, err := s.QueryPathInfo(ctx, dependent.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.References.Others.Len() != 1 || info.References.Others.At(0) != base.Path {
		t.Errorf("references of %s = %v, want [%s]", dependent.Path, info.References, base.Path)
	}

	referrers, err := s.QueryReferrers(ctx, base.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(referrers) != 1 || referrers[0] != dependent.Path {
		t.Errorf("referrers of %s = %v, want [%s]", base.Path, referrers, dependent.Path)
	}
}

func TestQueryPathFromHashPart(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	info, err := s.AddTextToStore(ctx, "named.txt", []byte("x\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}

	hashPart, _, ok := strings.Cut(info.Path.Base(), "-")
	if !ok {
		t.Fatalf("unexpected store path base %q", info.Path.Base())
	}
	found, err := s.QueryPathFromHashPart(ctx, hashPart)
	if err != nil {
		t.Fatal(err)
	}
	if found != info.Path {
		t.Errorf("QueryPathFromHashPart(%s) = %s, want %s", hashPart, found, info.Path)
	}
}

func TestTempRootPreventsCollection(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	info, err := s.AddTextToStore(ctx, "kept.txt", []byte("kept\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}
	release, err := s.AddTempRoot(ctx, info.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	result, err := s.CollectGarbage(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range result.Deleted {
		if p == info.Path {
			t.Fatalf("CollectGarbage deleted %s, which had a temp root", info.Path)
		}
	}

	queried, err := s.QueryPathInfo(ctx, info.Path)
	if err != nil {
		t.Fatal(err)
	}
	if queried == nil {
		t.Errorf("QueryPathInfo(%s) = nil after collection, want it to remain valid", info.Path)
	}
}

func TestCollectGarbageDeletesUnreferenced(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	info, err := s.AddTextToStore(ctx, "garbage.txt", []byte("garbage\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}

	result, err := s.CollectGarbage(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range result.Deleted {
		if p == info.Path {
			found = true
		}
	}
	if !found {
		t.Errorf("CollectGarbage did not delete unreferenced %s", info.Path)
	}

	if _, err := os.Lstat(s.realPath(info.Path)); !os.IsNotExist(err) {
		t.Errorf("real path for %s still exists after collection", info.Path)
	}
	queried, err := s.QueryPathInfo(ctx, info.Path)
	if err != nil {
		t.Fatal(err)
	}
	if queried != nil {
		t.Errorf("QueryPathInfo(%s) = %v after collection, want nil", info.Path, queried)
	}
}

func TestIndirectRoot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	info, err := s.AddTextToStore(ctx, "rooted.txt", []byte("rooted\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}

	resultDir := t.TempDir()
	symlinkPath := filepath.Join(resultDir, "result")
	if err := os.Symlink(s.realPath(info.Path), symlinkPath); err != nil {
		t.Fatal(err)
	}
	if err := s.AddIndirectRoot(symlinkPath); err != nil {
		t.Fatal(err)
	}

	result, err := s.CollectGarbage(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range result.Deleted {
		if p == info.Path {
			t.Fatalf("CollectGarbage deleted %s, which had an indirect root", info.Path)
		}
	}

	// Removing the "result" symlink makes the root dangle; the next
	// collection should both prune the indirect root entry and delete the
	// now-unreferenced path.
	if err := os.Remove(symlinkPath); err != nil {
		t.Fatal(err)
	}
	result, err = s.CollectGarbage(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range result.Deleted {
		if p == info.Path {
			found = true
		}
	}
	if !found {
		t.Errorf("CollectGarbage did not delete %s after its indirect root went dangling", info.Path)
	}
}

func TestVerifyStoreDetectsMissingPath(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	info, err := s.AddTextToStore(ctx, "fragile.txt", []byte("fragile\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(s.realPath(info.Path)); err != nil {
		t.Fatal(err)
	}

	result, err := s.VerifyStore(ctx, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Missing) != 1 || result.Missing[0] != info.Path {
		t.Errorf("Missing = %v, want [%s]", result.Missing, info.Path)
	}

	queried, err := s.QueryPathInfo(ctx, info.Path)
	if err != nil {
		t.Fatal(err)
	}
	if queried != nil {
		t.Errorf("QueryPathInfo(%s) = %v after verify, want nil (invalidated)", info.Path, queried)
	}
}

func TestVerifyStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	info, err := s.AddTextToStore(ctx, "stable.txt", []byte("stable\n"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}

	realPath := s.realPath(info.Path)
	if err := os.Chmod(realPath, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(realPath, []byte("tampered\n"), 0o444); err != nil {
		t.Fatal(err)
	}

	result, err := s.VerifyStore(ctx, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Corrupt) != 1 || result.Corrupt[0] != info.Path {
		t.Errorf("Corrupt = %v, want [%s]", result.Corrupt, info.Path)
	}

	// repair=true must leave the row in place for a rebuild to fix.
	queried, err := s.QueryPathInfo(ctx, info.Path)
	if err != nil {
		t.Fatal(err)
	}
	if queried == nil {
		t.Error("QueryPathInfo returned nil for a corrupt-but-repairable path")
	}
}

func TestCanonicalise(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "exec.sh")
	if err := os.WriteFile(file, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := canonicalise(dir); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o555 {
		t.Errorf("mode = %v, want 0555", fi.Mode().Perm())
	}
	if !fi.ModTime().Equal(canonicalTime) {
		t.Errorf("mtime = %v, want %v", fi.ModTime(), canonicalTime)
	}

	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm() != 0o555 {
		t.Errorf("dir mode = %v, want 0555", dirInfo.Mode().Perm())
	}
}

func TestOptimiseStoreHardlinksDuplicateContent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const content = "shared payload\n"
	first, err := s.AddTextToStore(ctx, "first", []byte(content), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AddTextToStore(ctx, "second", []byte(content+"x"), storepath.References{}, false)
	if err != nil {
		t.Fatal(err)
	}
	// Overwrite second's file with identical bytes to first's, simulating
	// two independently-built outputs that happen to share content.
	firstBytes, err := os.ReadFile(s.realPath(first.Path))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(s.realPath(second.Path), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.realPath(second.Path), firstBytes, 0o444); err != nil {
		t.Fatal(err)
	}

	if err := s.OptimiseStore(ctx); err != nil {
		t.Fatal(err)
	}

	fi1, err := os.Stat(s.realPath(first.Path))
	if err != nil {
		t.Fatal(err)
	}
	fi2, err := os.Stat(s.realPath(second.Path))
	if err != nil {
		t.Fatal(err)
	}
	if !os.SameFile(fi1, fi2) {
		t.Error("optimise store did not hardlink identical content together")
	}
}

func TestContentAddressMismatchRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const text = "real content\n"
	mismatchHasher := nixhash.NewHasher(nixhash.SHA256)
	mismatchHasher.WriteString("different content\n")
	wrongCA := nixhash.FlatContentAddress(mismatchHasher.SumHash())
	path, err := storepath.MakeFixedOutputPath(s.Directory(), "mismatch", wrongCA, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	var narBuf bytes.Buffer
	if err := nar.Dump(&narBuf, strings.NewReader(text), int64(len(text)), false); err != nil {
		t.Fatal(err)
	}
	narHasher := nixhash.NewHasher(nixhash.SHA256)
	narHasher.Write(narBuf.Bytes())

	info := &store.ValidPathInfo{
		Path:    path,
		NARHash: narHasher.SumHash(),
		NARSize: int64(narBuf.Len()),
		CA:      wrongCA,
	}
	err = s.AddToStore(ctx, info, bytes.NewReader(narBuf.Bytes()), false, false, nil)
	if err == nil {
		t.Fatal("AddToStore with a mismatched content address succeeded, want error")
	}
}
