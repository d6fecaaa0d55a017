// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

func mustDirectory(tb testing.TB) storepath.Directory {
	tb.Helper()
	dir, err := storepath.CleanDirectory("/lix/store")
	if err != nil {
		tb.Fatal(err)
	}
	return dir
}

func narFor(tb testing.TB, text string) ([]byte, nixhash.Hash, int64) {
	tb.Helper()
	var buf bytes.Buffer
	if err := nar.Dump(&buf, strings.NewReader(text), int64(len(text)), false); err != nil {
		tb.Fatal(err)
	}
	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(buf.Bytes())
	return buf.Bytes(), h.SumHash(), int64(buf.Len())
}

func TestCacheInfoRoundTrip(t *testing.T) {
	ci := &CacheInfo{
		StoreDir:      mustDirectory(t),
		WantMassQuery: true,
		Priority:      30,
	}
	data, err := ci.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	got := new(CacheInfo)
	if err := got.UnmarshalText(data); err != nil {
		t.Fatal(err)
	}
	if *got != *ci {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ci)
	}
}

func TestCacheInfoDefaults(t *testing.T) {
	got := new(CacheInfo)
	if err := got.UnmarshalText([]byte("")); err != nil {
		t.Fatal(err)
	}
	if got.StoreDir != storepath.DefaultDirectory {
		t.Errorf("StoreDir = %q, want default %q", got.StoreDir, storepath.DefaultDirectory)
	}
	if got.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want default %d", got.Priority, DefaultPriority)
	}
}

func TestFileStoreAddAndQuery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := &FileStore{Dir: dir}

	narData, narHash, narSize := narFor(t, "hello world\n")
	storeDir := mustDirectory(t)
	path, err := storeDir.Object("00000000000000000000000000000000-hello")
	if err != nil {
		t.Fatal(err)
	}
	info := &store.ValidPathInfo{
		Path:    path,
		NARHash: narHash,
		NARSize: narSize,
	}

	narInfo, err := s.AddToStore(ctx, info, bytes.NewReader(narData), store.XZ, 0)
	if err != nil {
		t.Fatal(err)
	}
	if narInfo.Compression != store.XZ {
		t.Errorf("Compression = %q, want %q", narInfo.Compression, store.XZ)
	}

	got, err := s.QueryPathInfoUncached(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if got.StorePath != path {
		t.Errorf("StorePath = %q, want %q", got.StorePath, path)
	}
	if !got.NARHash.Equal(narHash) {
		t.Errorf("NARHash = %v, want %v", got.NARHash, narHash)
	}

	var dst bytes.Buffer
	if err := s.FetchNAR(ctx, got, &dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.Bytes(), narData) {
		t.Error("fetched NAR does not match what was added")
	}

	if exists, err := s.FileExists(ctx, got.URL); err != nil || !exists {
		t.Errorf("FileExists(%q) = %v, %v; want true, nil", got.URL, exists, err)
	}
}

func TestFileStoreQueryMissing(t *testing.T) {
	ctx := context.Background()
	s := &FileStore{Dir: t.TempDir()}
	storeDir := mustDirectory(t)
	path, err := storeDir.Object("00000000000000000000000000000000-missing")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.QueryPathInfoUncached(ctx, path)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if !NotFound(err) {
		t.Error("NotFound(err) = false, want true")
	}
}

func TestFileStoreRejectsTamperedNarinfo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := &FileStore{Dir: dir}

	narData, narHash, narSize := narFor(t, "hello world\n")
	storeDir := mustDirectory(t)
	path, err := storeDir.Object("00000000000000000000000000000000-hello")
	if err != nil {
		t.Fatal(err)
	}
	info := &store.ValidPathInfo{Path: path, NARHash: narHash, NARSize: narSize}
	if _, err := s.AddToStore(ctx, info, bytes.NewReader(narData), store.NoCompression, 0); err != nil {
		t.Fatal(err)
	}

	narInfoPath := dir + "/" + path.Digest() + store.NARInfoExtension
	data, err := os.ReadFile(narInfoPath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte("NarSize: "+strconv.FormatInt(narSize, 10)), []byte("NarSize: "+strconv.FormatInt(narSize+1, 10)), 1)
	if bytes.Equal(tampered, data) {
		t.Fatal("test setup failed to tamper NarSize")
	}
	if err := os.WriteFile(narInfoPath, tampered, 0o666); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryPathInfoUncached(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	var dst bytes.Buffer
	if err := s.FetchNAR(ctx, got, &dst); err == nil {
		t.Error("FetchNAR succeeded despite tampered NarSize; want error")
	}
}

func TestBreakerCooldown(t *testing.T) {
	b := newBreaker(10 * time.Second)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	if !b.allow() {
		t.Fatal("fresh breaker should allow")
	}
	b.trip()
	if b.allow() {
		t.Fatal("tripped breaker should not allow immediately")
	}
	now = now.Add(5 * time.Second)
	if b.allow() {
		t.Fatal("breaker should still be cooling down")
	}
	now = now.Add(6 * time.Second)
	if !b.allow() {
		t.Fatal("breaker should allow after cooldown elapses")
	}
}

func TestRealisationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := &FileStore{Dir: t.TempDir()}

	drvHasher := nixhash.NewHasher(nixhash.SHA256)
	drvHasher.Write([]byte("some derivation modulo"))
	storeDir := mustDirectory(t)
	outPath, err := storeDir.Object("00000000000000000000000000000000-out")
	if err != nil {
		t.Fatal(err)
	}
	r := &store.Realisation{
		ID:      store.DrvOutput{DrvHash: drvHasher.SumHash(), OutputName: "out"},
		OutPath: outPath,
	}

	if err := s.PutRealisation(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, err := QueryRealisation(ctx, s, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OutPath != r.OutPath {
		t.Errorf("OutPath = %q, want %q", got.OutPath, r.OutPath)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, ct := range []store.CompressionType{store.NoCompression, store.Gzip, store.Bzip2, store.XZ, store.Brotli} {
		t.Run(string(ct), func(t *testing.T) {
			const payload = "the quick brown fox jumps over the lazy dog\n"
			var buf bytes.Buffer
			w, err := compress(&buf, ct, 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := io.WriteString(w, payload); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			r, err := decompress(&buf, ct)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != payload {
				t.Errorf("round trip mismatch for %s: got %q, want %q", ct, got, payload)
			}
		})
	}
}
