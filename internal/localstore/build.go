// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"context"
	"fmt"
	"io"

	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// RealPath returns the real filesystem path backing a store path. It is
// exported for internal/build's output-registration pipeline, which reads
// and writes a derivation's output contents directly on disk before
// recording them here, the same way internal/backend/realize.go's
// post-processing functions address the store by real path rather than
// going through a store method for every byte moved.
func (s *Store) RealPath(p storepath.Path) string {
	return s.realPath(p)
}

// Canonicalise applies spec.md 4.3's canonical form (fixed mtime, masked
// permissions) to a tree already written to realPath. It is exported for
// callers that build a tree directly on disk — a derivation's builder, or
// internal/build finalizing a floating output — rather than through
// [Store.AddToStore] or similar, which canonicalise internally.
func (s *Store) Canonicalise(realPath string) error {
	return canonicalise(realPath)
}

// SourceContentAddress computes the "source" content address narContent
// hashes to, treating any occurrence of digest (if non-empty) as a
// self-reference to be hashed as zero bytes. This is the scheme a
// derivation's floating content-addressed outputs use, and is exported here
// so internal/build can compute it the same way [Store.AddToStore] and
// [Store.AddTreeToStore] do, without duplicating the self-reference
// handling [detect.ModuloReader] provides.
func SourceContentAddress(digest string, narContent io.Reader) (nixhash.ContentAddress, error) {
	return sourceContentAddress(digest, narContent)
}

// RegisterBuiltOutput records info for a store object whose contents have
// already been written to RealPath(info.Path) and canonicalised — e.g. a
// derivation's output, registered once its builder exits — rather than
// arriving as a streamed NAR that AddToStore extracts itself. The caller
// must have already computed and, where applicable, verified info's
// NARHash, NARSize, and CA from the object's current contents;
// RegisterBuiltOutput only performs the existence check and the database
// insert, the tail half of what [Store.AddToStore] does for a pushed
// object.
func (s *Store) RegisterBuiltOutput(ctx context.Context, info *store.ValidPathInfo, repair bool) error {
	unlock, err := s.writing.lock(ctx, info.Path)
	if err != nil {
		return fmt.Errorf("register built output %s: %v", info.Path, err)
	}
	defer unlock()

	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("register built output %s: %v", info.Path, err)
	}
	defer s.putConn(conn)

	if !repair {
		exists, err := objectExists(conn, info.Path)
		if err != nil {
			return fmt.Errorf("register built output %s: %v", info.Path, err)
		}
		if exists {
			return nil
		}
	}

	if err := insertValidPath(ctx, conn, info); err != nil {
		return fmt.Errorf("register built output %s: %v", info.Path, err)
	}
	return nil
}
