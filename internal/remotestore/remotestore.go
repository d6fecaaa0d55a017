// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package remotestore implements the binary-cache substituter described in
// the "Binary-Cache Store" component: reading (and, credentials
// permitting, writing) store objects published under the classic fixed
// cache layout --
//
//	/nix-cache-info
//	/<hashPart>.narinfo
//	/nar/<fileHash>.nar.<ext>
//	/realisations/<drvOutput>.doi
//	/log/<drv-basename>
//
// -- over HTTP, a local directory, or an S3 bucket.
package remotestore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// Substituter is the read side of a binary-cache backend: the operations
// every cache layout (HTTP, a local directory, S3) must answer regardless
// of transport.
type Substituter interface {
	// QueryPathInfoUncached fetches and parses path's .narinfo, bypassing
	// any local disk cache of narinfo records.
	QueryPathInfoUncached(ctx context.Context, path storepath.Path) (*store.NARInfo, error)
	// FetchNAR streams the decompressed NAR body info describes to dst,
	// verifying its hash and size against info as it streams.
	FetchNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error
	// GetFile returns the raw bytes stored at a cache-relative path, for
	// the log and debuginfo primitives.
	GetFile(ctx context.Context, name string) ([]byte, error)
	// FileExists reports whether a cache-relative path exists.
	FileExists(ctx context.Context, name string) (bool, error)
}

// Uploader is implemented by substituters whose configured credentials
// permit writing new store objects into the cache.
type Uploader interface {
	// AddToStore compresses narSource with compression at level (0 for the
	// codec's default), writes the NAR body, and then writes the narinfo
	// last so a concurrent reader never observes a narinfo that
	// references a missing NAR. The narinfo's URL field records the NAR's
	// cache-relative path, "nar/<fileHash>.nar" plus the codec's extension.
	AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, compression store.CompressionType, level int) (*store.NARInfo, error)
}

// Trust is the tri-state outcome of asking whether the party on whose
// behalf a store query runs should be trusted without further checks.
type Trust int

const (
	// TrustUnknown means the caller could not determine trust; treat it
	// as conservatively as NotTrusted.
	TrustUnknown Trust = iota
	// Trusted means the caller is known to be equivalent to the store
	// owner (e.g. builds running as the daemon's own user).
	Trusted
	// NotTrusted means the caller is a restricted client.
	NotTrusted
)

// RequiresVerification reports whether a query made on behalf of a party
// with the given trust level must have its result's signatures checked
// against the store's configured trusted keys before being accepted.
// Per the trust model, only [Trusted] may skip verification; [NotTrusted]
// and [TrustUnknown] both require it.
func RequiresVerification(t Trust) bool {
	return t != Trusted
}

// putFunc writes name (a cache-relative path, e.g. "nar/<fileHash>.nar.xz")
// with the given content, creating or replacing it. Backends pass their own
// storage primitive as putFunc to [addToStore].
type putFunc func(ctx context.Context, name string, data []byte) error

// addToStore implements the write side of the "Binary-Cache Store"
// contract shared by every writable backend: compress the NAR, compute
// FileHash/FileSize, write the NAR object, and only then write the narinfo
// so a reader never observes a narinfo with a missing NAR.
func addToStore(ctx context.Context, put putFunc, info *store.ValidPathInfo, narSource io.Reader, compression store.CompressionType, level int) (*store.NARInfo, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("add %s to store: %v", info.Path, err)
	}

	var compressed bytes.Buffer
	w, err := compress(&compressed, compression, compressionLevel(level))
	if err != nil {
		return nil, fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	if _, err := io.Copy(w, narSource); err != nil {
		return nil, fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("add %s to store: %v", info.Path, err)
	}

	fileHasher := nixhash.NewHasher(nixhash.SHA256)
	fileHasher.Write(compressed.Bytes())
	fileHash := fileHasher.SumHash()
	fileSize := int64(compressed.Len())

	// The NAR object is keyed by fileHash (the hash of the compressed
	// bytes), not NARHash (the hash of the decompressed contents), per
	// the cache layout's /nar/<fileHash>.nar.<ext>.
	ext := fileExtension(compression)
	narName := fileHash.Base32() + ".nar"
	if ext != "" {
		narName += "." + ext
	}
	narPath := "nar/" + narName
	if err := put(ctx, narPath, compressed.Bytes()); err != nil {
		return nil, fmt.Errorf("add %s to store: write nar: %v", info.Path, err)
	}

	narInfo := info.NARInfo(narPath, compression, fileHash, fileSize)
	data, err := narInfo.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	narInfoPath := info.Path.Digest() + store.NARInfoExtension
	if err := put(ctx, narInfoPath, data); err != nil {
		return nil, fmt.Errorf("add %s to store: write narinfo: %v", info.Path, err)
	}

	return narInfo, nil
}
