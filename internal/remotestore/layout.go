// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"context"
	"encoding/json"
	"fmt"

	"lix.dev/core/store"
)

// RealisationPath returns the cache-relative path of id's ".doi" document,
// e.g. "realisations/<drvHash>!<outputName>.doi".
func RealisationPath(id store.DrvOutput) string {
	return "realisations/" + id.String() + ".doi"
}

// LogPath returns the cache-relative path of a derivation's build log,
// named by the derivation's store path basename (including its ".drv"
// suffix).
func LogPath(drvBasename string) string {
	return "log/" + drvBasename
}

// DebugInfoPath returns the cache-relative path of a debuginfo blob, named
// by its build ID.
func DebugInfoPath(buildID string) string {
	return "debuginfo/" + buildID
}

// QueryRealisation fetches and parses id's realisation document from s. It
// returns [ErrNotFound] wrapped if the cache has no realisation for id.
func QueryRealisation(ctx context.Context, s Substituter, id store.DrvOutput) (*store.Realisation, error) {
	data, err := s.GetFile(ctx, RealisationPath(id))
	if err != nil {
		return nil, fmt.Errorf("query realisation for %s: %v", id, err)
	}
	r := new(store.Realisation)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("query realisation for %s: %v", id, err)
	}
	return r, nil
}

// putRealisation writes r's ".doi" document via put. It does not go
// through [addToStore] since a realisation has no NAR body of its own.
// Each [Uploader] implementation exposes this as a PutRealisation method.
func putRealisation(ctx context.Context, put putFunc, r *store.Realisation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("put realisation for %s: %v", r.ID, err)
	}
	return put(ctx, RealisationPath(r.ID), data)
}
