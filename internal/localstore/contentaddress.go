// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"fmt"
	"io"

	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

// verifyContentAddress checks that narContent actually hashes to the
// content address a caller has declared for path (or, if ca is the zero
// value, computes the "source" content address that applies to a plain
// imported tree), and that the resulting fixed-output path matches path.
// It implements the cross-check spec.md 4.3 requires before a pushed NAR
// is trusted, grounded on the same split as
// [storepath.MakeFixedOutputPath]: a declared or implied recursive-sha256
// "source" hash is computed straight off the NAR bytes (accounting for a
// possible self-reference), a "source" hash of any other algorithm is
// rejected, any other recursive hash is computed over the NAR bytes as
// they are, and a declared text or flat hash unwraps the NAR to its single
// flat file.
func verifyContentAddress(path storepath.Path, narContent io.Reader, refs storepath.References, ca nixhash.ContentAddress) (nixhash.ContentAddress, error) {
	if !ca.IsZero() {
		if err := storepath.ValidateContentAddress(ca, refs); err != nil {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
	}

	var computed nixhash.ContentAddress
	switch {
	case ca.IsZero() || storepath.IsSourceContentAddress(ca) && ca.Hash().Type() == nixhash.SHA256:
		digest := ""
		if refs.Self {
			digest = path.Digest()
		}
		var err error
		computed, err = sourceContentAddress(digest, narContent)
		if err != nil {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
	case storepath.IsSourceContentAddress(ca):
		return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: unsupported source content address %v", path, ca.Hash().Type())
	case ca.IsRecursiveFile():
		h := nixhash.NewHasher(ca.Hash().Type())
		if _, err := io.Copy(h, narContent); err != nil {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
		computed = nixhash.RecursiveContentAddress(h.SumHash())
	default:
		nr := nar.NewReader(narContent)
		hdr, err := nr.Next()
		if err != nil {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
		if hdr.Type != nar.TypeRegular {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: not a flat file", path)
		}
		if hdr.Executable {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: must not be executable", path)
		}
		h := nixhash.NewHasher(ca.Hash().Type())
		if _, err := io.Copy(h, nr); err != nil {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
		if ca.IsText() {
			computed = nixhash.TextContentAddress(h.SumHash())
		} else {
			computed = nixhash.FlatContentAddress(h.SumHash())
		}
		if _, err := nr.Next(); err == nil {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: more than a single file", path)
		} else if err != io.EOF {
			return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v", path, err)
		}
	}

	if !ca.IsZero() && ca.String() != computed.String() {
		return nixhash.ContentAddress{}, fmt.Errorf("verify %s content address: %v does not match content (computed %v)", path, ca, computed)
	}
	return computed, nil
}
