// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"context"
	"fmt"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// QueryPathInfo returns the registered metadata for path, including its
// reference set, or nil if path is not valid.
func (s *Store) QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %v", path, err)
	}
	defer s.putConn(conn)

	var info *store.ValidPathInfo
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			info, err = rowToPathInfo(path, stmt)
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %v", path, err)
	}
	if info == nil {
		return nil, nil
	}
	refs, err := s.queryReferences(ctx, conn, path)
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %v", path, err)
	}
	info.References = refs
	return info, nil
}

// queryReferences fetches path's reference set from Refs, separating out a
// self-reference into [storepath.References.Self] per the pathinfo.go
// convention.
func (s *Store) queryReferences(ctx context.Context, conn *sqlite.Conn, path storepath.Path) (storepath.References, error) {
	var refs storepath.References
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "path_references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := storepath.ParsePath(stmt.GetText("reference"))
			if err != nil {
				return fmt.Errorf("parse reference: %v", err)
			}
			if ref == path {
				refs.Self = true
				return nil
			}
			refs.Others.Add(ref)
			return nil
		},
	})
	if err != nil {
		return storepath.References{}, err
	}
	return refs, nil
}

// QueryReferrers returns every valid path that references path, in
// ascending order.
func (s *Store) QueryReferrers(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query referrers of %s: %v", path, err)
	}
	defer s.putConn(conn)

	var referrers []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "path_referrers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("referrer"))
			if err != nil {
				return err
			}
			referrers = append(referrers, p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query referrers of %s: %v", path, err)
	}
	return referrers, nil
}

// QueryValidDerivers returns every valid derivation known to have produced
// outputPath, in ascending order. Most outputs have at most one deriver,
// but repair or parallel builds of the same input-addressed output can
// leave more than one row.
func (s *Store) QueryValidDerivers(ctx context.Context, outputPath storepath.Path) ([]storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query valid derivers of %s: %v", outputPath, err)
	}
	defer s.putConn(conn)

	var drvs []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "valid_derivers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":output_path": string(outputPath)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("drv"))
			if err != nil {
				return err
			}
			drvs = append(drvs, p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query valid derivers of %s: %v", outputPath, err)
	}
	return drvs, nil
}

// QueryPathFromHashPart resolves a store path digest (the base-32 hash part
// of a store path's base name, without the trailing name) to the full valid
// path carrying it, or "" if none is valid. This backs the binary cache
// protocol's "does <hash> exist" lookups, which only ever carry the digest.
func (s *Store) QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return "", fmt.Errorf("query path from hash part %s: %v", hashPart, err)
	}
	defer s.putConn(conn)

	var found storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "path_from_hash_part.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":pattern": s.dir.Join(hashPart + "-*")},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			found = p
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("query path from hash part %s: %v", hashPart, err)
	}
	return found, nil
}

// QuerySubstitutablePaths filters candidates down to the subset that is not
// already locally valid, i.e. the ones a substituter still needs to fetch.
// It implements spec.md 4.3's querySubstitutablePaths as a pure local-store
// filter; deciding which of those a configured substituter actually has is
// internal/substitute's responsibility, not the local store's.
func (s *Store) QuerySubstitutablePaths(ctx context.Context, candidates []storepath.Path) ([]storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query substitutable paths: %v", err)
	}
	defer s.putConn(conn)

	var need []storepath.Path
	for _, p := range candidates {
		exists, err := objectExists(conn, p)
		if err != nil {
			return nil, fmt.Errorf("query substitutable paths: %v", err)
		}
		if !exists {
			need = append(need, p)
		}
	}
	return need, nil
}

// QueryAllValidPaths returns every valid path in the store, in ascending
// order, without populating References (callers that need the full graph
// should call [Store.QueryPathInfo] per path, or query Refs directly for
// bulk use).
func (s *Store) QueryAllValidPaths(ctx context.Context) ([]storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query all valid paths: %v", err)
	}
	defer s.putConn(conn)

	var paths []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "all_paths.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, err := storepath.ParsePath(stmt.GetText("path"))
			if err != nil {
				return err
			}
			paths = append(paths, p)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query all valid paths: %v", err)
	}
	return paths, nil
}

// QueryDerivationOutputs returns the recorded name-to-path mapping for drv's
// outputs. An empty path means the output is known by name but has not yet
// been realised (floating content-addressed outputs before their first
// build).
func (s *Store) QueryDerivationOutputs(ctx context.Context, drv storepath.Path) (map[string]storepath.Path, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query derivation outputs of %s: %v", drv, err)
	}
	defer s.putConn(conn)

	outputs := make(map[string]storepath.Path)
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "derivation_outputs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":drv": string(drv)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			name := stmt.GetText("name")
			pathText := stmt.GetText("path")
			if pathText == "" {
				outputs[name] = ""
				return nil
			}
			p, err := storepath.ParsePath(pathText)
			if err != nil {
				return err
			}
			outputs[name] = p
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query derivation outputs of %s: %v", drv, err)
	}
	return outputs, nil
}

// SetDerivationOutput records that drv's output named outputName resolves
// (or will resolve) to path; path may be "" to register the output's name
// before it has been realised, e.g. while registering a derivation's valid
// path alongside its declared but unbuilt outputs.
func (s *Store) SetDerivationOutput(ctx context.Context, drv storepath.Path, outputName string, path storepath.Path) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("set derivation output %s!%s: %v", drv, outputName, err)
	}
	defer s.putConn(conn)

	var pathArg any
	if path != "" {
		pathArg = string(path)
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_derivation_output.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv":  string(drv),
			":name": outputName,
			":path": pathArg,
		},
	})
	if err != nil {
		return fmt.Errorf("set derivation output %s!%s: %v", drv, outputName, err)
	}
	return nil
}

// QueryRealisation returns the realisation recorded for id, or nil if none
// has been recorded.
func (s *Store) QueryRealisation(ctx context.Context, id store.DrvOutput) (*store.Realisation, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("query realisation %s: %v", id, err)
	}
	defer s.putConn(conn)

	var r *store.Realisation
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv_hash":    id.DrvHash.String(),
			":output_name": id.OutputName,
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			outPath, err := storepath.ParsePath(stmt.GetText("outputPath"))
			if err != nil {
				return fmt.Errorf("output path: %v", err)
			}
			rr := &store.Realisation{ID: id, OutPath: outPath}
			if sigsText := stmt.GetText("signatures"); sigsText != "" {
				for _, sigText := range strings.Fields(sigsText) {
					sig, err := store.ParseSignature(sigText)
					if err != nil {
						return fmt.Errorf("signature: %v", err)
					}
					rr.Signatures = append(rr.Signatures, sig)
				}
			}
			if depsText := stmt.GetText("dependentRealisations"); depsText != "" && depsText != "{}" {
				var deps map[store.DrvOutput]storepath.Path
				if err := jsonv2.Unmarshal([]byte(depsText), &deps); err != nil {
					return fmt.Errorf("dependent realisations: %v", err)
				}
				rr.DependentRealisations = deps
			}
			r = rr
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query realisation %s: %v", id, err)
	}
	return r, nil
}

// RegisterRealisation records (or updates) the realisation of a floating
// content-addressed derivation output, including its dependent realisations
// and their store-path references, implementing the "resolve" half of
// spec.md 4.3's content-addressed derivation support.
func (s *Store) RegisterRealisation(ctx context.Context, r *store.Realisation) (err error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("register realisation %s: %v", r.ID, err)
	}
	defer s.putConn(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("register realisation %s: %v", r.ID, err)
	}
	defer endFn(&err)

	depsJSON := []byte("{}")
	if len(r.DependentRealisations) > 0 {
		depsJSON, err = jsonv2.Marshal(r.DependentRealisations)
		if err != nil {
			return fmt.Errorf("register realisation %s: %v", r.ID, err)
		}
	}

	var id int64
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":drv_hash":               r.ID.DrvHash.String(),
			":output_name":            r.ID.OutputName,
			":output_path":            string(r.OutPath),
			":signatures":             marshalSigs(r.Signatures),
			":dependent_realisations": string(depsJSON),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.GetInt64("id")
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("register realisation %s: %v", r.ID, err)
	}

	refStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "insert_realisation_ref.sql")
	if err != nil {
		return fmt.Errorf("register realisation %s: %v", r.ID, err)
	}
	defer refStmt.Finalize()
	refStmt.SetInt64(":referrer", id)
	for _, depPath := range r.DependentRealisations {
		refStmt.SetText(":reference", string(depPath))
		if _, err := refStmt.Step(); err != nil {
			return fmt.Errorf("register realisation %s: reference %s: %v", r.ID, depPath, err)
		}
		if err := refStmt.Reset(); err != nil {
			return fmt.Errorf("register realisation %s: %v", r.ID, err)
		}
	}
	return nil
}
