// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"

	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// rowToPathInfo converts a path_info.sql/all_paths.sql result row into a
// [store.ValidPathInfo]. It does not populate References; callers fetch
// those separately via path_references.sql, since a single wide join would
// otherwise duplicate the fixed-size row for every reference.
func rowToPathInfo(path storepath.Path, stmt *sqlite.Stmt) (*store.ValidPathInfo, error) {
	info := &store.ValidPathInfo{
		Path:             path,
		NARSize:          stmt.GetInt64("narSize"),
		RegistrationTime: time.Unix(stmt.GetInt64("registrationTime"), 0).UTC(),
		Ultimate:         stmt.GetInt64("ultimate") != 0,
	}
	hashText := stmt.GetText("hash")
	h, err := nixhash.Parse(hashText)
	if err != nil {
		return nil, fmt.Errorf("path info %s: nar hash: %v", path, err)
	}
	info.NARHash = h

	if deriverText := stmt.GetText("deriver"); deriverText != "" {
		deriver, err := storepath.ParsePath(deriverText)
		if err != nil {
			return nil, fmt.Errorf("path info %s: deriver: %v", path, err)
		}
		info.Deriver = deriver
	}
	if caText := stmt.GetText("ca"); caText != "" {
		ca, err := nixhash.ParseContentAddress(caText)
		if err != nil {
			return nil, fmt.Errorf("path info %s: content address: %v", path, err)
		}
		info.CA = ca
	}
	if sigsText := stmt.GetText("sigs"); sigsText != "" {
		for _, sigText := range strings.Fields(sigsText) {
			sig, err := store.ParseSignature(sigText)
			if err != nil {
				return nil, fmt.Errorf("path info %s: signature: %v", path, err)
			}
			info.Sig = append(info.Sig, sig)
		}
	}
	return info, nil
}

// marshalSigs renders a signature list in the space-separated form stored in
// ValidPaths.sigs, matching narinfo's own "Sig:" field convention.
func marshalSigs(sigs []store.Signature) string {
	var sb strings.Builder
	for i, sig := range sigs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(sig.String())
	}
	return sb.String()
}
