// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
	"zombiezen.com/go/log"
)

// FileStore implements [Substituter] and [Uploader] over a plain directory
// laid out like an HTTP binary cache ("/nix-cache-info", "/<hashPart
// >.narinfo", "/nar/..."). It is used both for file:// substituter
// configuration and for tests that would otherwise need an HTTP server.
type FileStore struct {
	// Dir is the cache root on the local filesystem.
	Dir string
	// TrustedKeys holds the signing keys this store accepts signatures
	// from. See [HTTPStore.TrustedKeys].
	TrustedKeys map[string]ed25519.PublicKey
}

var (
	_ Substituter = (*FileStore)(nil)
	_ Uploader    = (*FileStore)(nil)
)

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(name))
}

// CacheInfo reads and parses this cache's nix-cache-info file.
func (s *FileStore) CacheInfo() (*CacheInfo, error) {
	data, err := os.ReadFile(s.path("nix-cache-info"))
	if err != nil {
		return nil, fmt.Errorf("get nix-cache-info: %v", err)
	}
	ci := new(CacheInfo)
	if err := ci.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("get nix-cache-info: %v", err)
	}
	return ci, nil
}

// QueryPathInfoUncached reads and parses path's .narinfo from disk.
func (s *FileStore) QueryPathInfoUncached(ctx context.Context, path storepath.Path) (*store.NARInfo, error) {
	data, err := os.ReadFile(s.path(path.Digest() + store.NARInfoExtension))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("query path info for %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("query path info for %s: %v", path, err)
	}
	info := new(store.NARInfo)
	if err := info.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("query path info for %s: %v", path, err)
	}
	if info.StorePath != path {
		return nil, fmt.Errorf("query path info for %s: narinfo names %s", path, info.StorePath)
	}
	if len(s.TrustedKeys) > 0 {
		fp := new(bytes.Buffer)
		if err := info.WriteFingerprint(fp); err != nil {
			return nil, fmt.Errorf("query path info for %s: %v", path, err)
		}
		if !store.VerifyFingerprint(fp.Bytes(), info.Sig, s.TrustedKeys) {
			log.Warnf(ctx, "remotestore: %s: narinfo has no valid signature from configured keys", path)
			return nil, fmt.Errorf("query path info for %s: no valid signature from configured keys", path)
		}
	}
	return info, nil
}

// FetchNAR streams and verifies the NAR body info describes.
func (s *FileStore) FetchNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error {
	f, err := os.Open(s.path(info.URL))
	if err != nil {
		return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
	}
	defer f.Close()
	decompressed, err := decompress(f, info.Compression)
	if err != nil {
		return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
	}
	defer decompressed.Close()

	h := nixhash.NewHasher(info.NARHash.Type())
	n, err := io.Copy(io.MultiWriter(dst, h), decompressed)
	if err != nil {
		return fmt.Errorf("fetch nar for %s: %v", info.StorePath, err)
	}
	if n != info.NARSize {
		return fmt.Errorf("fetch nar for %s: got %d bytes, narinfo declares %d", info.StorePath, n, info.NARSize)
	}
	if got := h.SumHash(); !got.Equal(info.NARHash) {
		log.Warnf(ctx, "remotestore: %s: nar hash mismatch: got %v, narinfo declares %v", info.StorePath, got, info.NARHash)
		return fmt.Errorf("fetch nar for %s: nar hash mismatch: got %v, narinfo declares %v", info.StorePath, got, info.NARHash)
	}
	return nil
}

// GetFile reads a cache-relative path's raw bytes.
func (s *FileStore) GetFile(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("get %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %v", name, err)
	}
	return data, nil
}

// FileExists reports whether a cache-relative path exists.
func (s *FileStore) FileExists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("check %s exists: %v", name, err)
}

// AddToStore writes the NAR and then the narinfo under Dir, creating
// intermediate directories (e.g. "nar/") as needed.
func (s *FileStore) AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, compression store.CompressionType, level int) (*store.NARInfo, error) {
	narInfo, err := addToStore(ctx, s.put, info, narSource, compression, level)
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "remotestore: added %s to %s", info.Path, s.Dir)
	return narInfo, nil
}

// PutRealisation writes a CA realisation to its /realisations/<drvOutput>.doi path.
func (s *FileStore) PutRealisation(ctx context.Context, r *store.Realisation) error {
	return putRealisation(ctx, s.put, r)
}

func (s *FileStore) put(ctx context.Context, name string, data []byte) error {
	full := s.path(name)
	if err := os.MkdirAll(filepath.Dir(full), 0o777); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o666); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}
