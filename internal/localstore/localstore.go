// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package localstore implements the SQLite-backed local store engine:
// persistent ownership of a store directory's contents and the metadata
// database (ValidPaths, Refs, DerivationOutputs, Realisations,
// RealisationsRefs) that tracks them.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"

	"lix.dev/core/internal/metrics"
	"lix.dev/core/storepath"
)

// Options holds the optional parameters to [Open].
type Options struct {
	// RealDir is where store objects are physically located on disk. If
	// empty, defaults to the store directory itself.
	RealDir string
	// StateDir holds the database, schema version file, GC lock, and
	// temp-roots directory. If empty, defaults to dir.Join("..state").
	StateDir string
	// Metrics, if non-nil, records garbage-collection byte counts for
	// the daemon's /metrics endpoint.
	Metrics *metrics.Metrics
}

// Store is a local, SQLite-backed implementation of the store engine
// described in spec.md 4.3. A Store owns a store directory and is safe for
// concurrent use by multiple goroutines.
type Store struct {
	dir      storepath.Directory
	realDir  string
	stateDir string
	db       *sqlitemigration.Pool
	metrics  *metrics.Metrics

	writing mutexMap[storepath.Path]
	gcLock  *lockFile
}

// Open returns a new [Store] rooted at dir, creating its state directory and
// database if necessary. Callers are responsible for calling [Store.Close].
func Open(dir storepath.Directory, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &Store{
		dir:      dir,
		realDir:  opts.RealDir,
		stateDir: opts.StateDir,
		metrics:  opts.Metrics,
	}
	if s.realDir == "" {
		s.realDir = string(dir)
	}
	if s.stateDir == "" {
		s.stateDir = filepath.Join(string(dir), "..state")
	}
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("open local store: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(s.stateDir, "temproots"), 0o755); err != nil {
		return nil, fmt.Errorf("open local store: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(s.stateDir, "gcroots", "auto"), 0o755); err != nil {
		return nil, fmt.Errorf("open local store: %v", err)
	}

	gcLock, err := openLockFile(filepath.Join(s.stateDir, "gc.lock"))
	if err != nil {
		return nil, fmt.Errorf("open local store: %v", err)
	}
	s.gcLock = gcLock

	s.db = sqlitemigration.NewPool(filepath.Join(s.stateDir, "db.sqlite"), loadSchema(), sqlitemigration.Options{
		Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
		PrepareConn: prepareConn,
		OnStartMigrate: func() {
			log.Debugf(context.Background(), "localstore: migrating schema...")
		},
		OnReady: func() {
			log.Debugf(context.Background(), "localstore: database ready")
		},
		OnError: func(err error) {
			log.Errorf(context.Background(), "localstore: migration: %v", err)
		},
	})
	return s, nil
}

// Close releases the resources held by s, including the database connection
// pool and the GC lock file.
func (s *Store) Close() error {
	err := s.db.Close()
	if cerr := s.gcLock.Close(); err == nil {
		err = cerr
	}
	return err
}

// Directory returns the store directory s manages.
func (s *Store) Directory() storepath.Directory {
	return s.dir
}

// realPath returns the real filesystem path backing a store path.
func (s *Store) realPath(p storepath.Path) string {
	return filepath.Join(s.realDir, p.Base())
}

// conn acquires a database connection from the pool, blocking until ctx is
// done or one becomes available.
func (s *Store) conn(ctx context.Context) (*sqlite.Conn, error) {
	return s.db.Get(ctx)
}

func (s *Store) putConn(conn *sqlite.Conn) {
	s.db.Put(conn)
}

// mustNotHappen terminates the process rather than risk corrupting the
// database, per spec.md 7's policy that a genuine internal invariant
// violation must never be silently tolerated.
func mustNotHappen(format string, args ...any) {
	panic(fmt.Sprintf("localstore: invariant violated: "+format, args...))
}
