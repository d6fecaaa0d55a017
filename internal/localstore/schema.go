// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

// sqlFiles returns the embedded SQL files rooted at "sql/".
func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

// loadSchema reads the numbered migration files under sql/schema/ in order,
// applying one-way upgrades the way spec.md 4.3 requires: schema version is
// tracked in the sibling sqlitemigration bookkeeping table, and each step is
// a forward-only SQL script.
func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

// prepareConn configures a freshly opened connection: WAL journaling for
// concurrent readers during writes, and foreign key enforcement so Refs,
// DerivationOutputs, and Realisations can never dangle outside of an
// explicit deferred-FK batch (see [Store.RegisterValidPaths]).
func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}
