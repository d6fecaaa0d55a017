// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"lix.dev/core/internal/detect"
	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// errObjectExists reports that a store path already has a row in
// ValidPaths, for addToStore's idempotency check.
var errObjectExists = errors.New("store object exists")

// objectExists reports whether path has a row in ValidPaths.
func objectExists(conn *sqlite.Conn, path storepath.Path) (bool, error) {
	var exists bool
	err := sqlitex.ExecuteFS(conn, sqlFiles(), "object_exists.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = stmt.ColumnBool(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("check existence of %s: %v", path, err)
	}
	return exists, nil
}

// AddToStore registers a store object whose path, hash, and references are
// already known, streaming narSource in and verifying its hash and size
// against info before trusting it — spec.md 4.3's addToStore. If checkSigs
// is true, at least one signature in info.Sig must verify under
// trustedKeys. repair re-extracts the content even if a valid row for
// info.Path already exists.
func (s *Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, repair bool, checkSigs bool, trustedKeys map[string]ed25519.PublicKey) error {
	if checkSigs {
		var fp bytes.Buffer
		if err := info.WriteFingerprint(&fp); err != nil {
			return fmt.Errorf("add %s to store: %v", info.Path, err)
		}
		if !store.VerifyFingerprint(fp.Bytes(), info.Sig, trustedKeys) {
			return fmt.Errorf("add %s to store: no valid signature from a trusted key", info.Path)
		}
	}

	unlock, err := s.writing.lock(ctx, info.Path)
	if err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	defer unlock()

	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	defer s.putConn(conn)

	if !repair {
		exists, err := objectExists(conn, info.Path)
		if err != nil {
			return fmt.Errorf("add %s to store: %v", info.Path, err)
		}
		if exists {
			return nil
		}
	}

	var buf bytes.Buffer
	hasher := nixhash.NewHasher(info.NARHash.Type())
	size, err := io.Copy(io.MultiWriter(&buf, hasher), narSource)
	if err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	if size != info.NARSize {
		return fmt.Errorf("add %s to store: nar size %d does not match expected %d", info.Path, size, info.NARSize)
	}
	if got := hasher.SumHash(); !got.Equal(info.NARHash) {
		return fmt.Errorf("add %s to store: nar hash %v does not match expected %v", info.Path, got, info.NARHash)
	}
	if _, err := verifyContentAddress(info.Path, bytes.NewReader(buf.Bytes()), info.References, info.CA); err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}

	realPath := s.realPath(info.Path)
	if err := restoreStoreObject(realPath, buf.Bytes()); err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	if err := canonicalise(realPath); err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}

	if err := insertValidPath(ctx, conn, info); err != nil {
		return fmt.Errorf("add %s to store: %v", info.Path, err)
	}
	return nil
}

// AddToStoreFromDump ingests an arbitrary byte stream — raw bytes for
// [nixhash.Flat] and [nixhash.Text], a NAR serialization for
// [nixhash.Recursive] — computes the resulting content-addressed path under
// name, and registers it. It implements spec.md 4.3's addToStoreFromDump.
func (s *Store) AddToStoreFromDump(ctx context.Context, dump io.Reader, name string, method nixhash.Method, hashAlgo nixhash.Algorithm, refs storepath.References, repair bool) (*store.ValidPathInfo, error) {
	var narBuf bytes.Buffer
	hasher := nixhash.NewHasher(hashAlgo)

	switch method {
	case nixhash.Flat, nixhash.Text:
		content, err := io.ReadAll(io.TeeReader(dump, hasher))
		if err != nil {
			return nil, fmt.Errorf("add %s to store from dump: %v", name, err)
		}
		if err := nar.Dump(&narBuf, bytes.NewReader(content), int64(len(content)), false); err != nil {
			return nil, fmt.Errorf("add %s to store from dump: %v", name, err)
		}
	case nixhash.Recursive:
		if _, err := io.Copy(io.MultiWriter(&narBuf, hasher), dump); err != nil {
			return nil, fmt.Errorf("add %s to store from dump: %v", name, err)
		}
	default:
		return nil, fmt.Errorf("add %s to store from dump: unsupported method %v", name, method)
	}

	var ca nixhash.ContentAddress
	switch method {
	case nixhash.Text:
		ca = nixhash.TextContentAddress(hasher.SumHash())
	case nixhash.Flat:
		ca = nixhash.FlatContentAddress(hasher.SumHash())
	case nixhash.Recursive:
		ca = nixhash.RecursiveContentAddress(hasher.SumHash())
	}

	destPath, err := storepath.MakeFixedOutputPath(s.dir, name, ca, refs)
	if err != nil {
		return nil, fmt.Errorf("add %s to store from dump: %v", name, err)
	}
	info := &store.ValidPathInfo{
		Path:       destPath,
		References: refs,
		CA:         ca,
	}
	if err := s.registerFromNAR(ctx, info, &narBuf, repair); err != nil {
		return nil, err
	}
	return info, nil
}

// AddTreeToStore ingests the filesystem tree rooted at srcDir as a
// recursively content-addressed store object named name. This covers the
// common case of addToStoreFromDump ([nixhash.Recursive]) where the caller
// already has the tree on disk — build outputs and directory imports —
// rather than a serialized NAR stream in hand.
func (s *Store) AddTreeToStore(ctx context.Context, srcDir string, name string, refs storepath.References, repair bool) (*store.ValidPathInfo, error) {
	var narBuf bytes.Buffer
	hasher := nixhash.NewHasher(nixhash.SHA256)
	if err := nar.DumpPath(io.MultiWriter(&narBuf, hasher), srcDir, nil); err != nil {
		return nil, fmt.Errorf("add tree %s to store: %v", name, err)
	}
	ca := nixhash.RecursiveContentAddress(hasher.SumHash())
	destPath, err := storepath.MakeFixedOutputPath(s.dir, name, ca, refs)
	if err != nil {
		return nil, fmt.Errorf("add tree %s to store: %v", name, err)
	}
	info := &store.ValidPathInfo{
		Path:       destPath,
		References: refs,
		CA:         ca,
	}
	if err := s.registerFromNAR(ctx, info, &narBuf, repair); err != nil {
		return nil, err
	}
	return info, nil
}

// AddTextToStore implements spec.md 4.3's addTextToStore: a specialized
// text form used for serialized derivations, whose references are recorded
// structurally (as refs) rather than scanned for in the text.
func (s *Store) AddTextToStore(ctx context.Context, name string, contents []byte, refs storepath.References, repair bool) (*store.ValidPathInfo, error) {
	hasher := nixhash.NewHasher(nixhash.SHA256)
	hasher.Write(contents)
	ca := nixhash.TextContentAddress(hasher.SumHash())
	destPath, err := storepath.MakeFixedOutputPath(s.dir, name, ca, refs)
	if err != nil {
		return nil, fmt.Errorf("add text %s to store: %v", name, err)
	}

	var narBuf bytes.Buffer
	if err := nar.Dump(&narBuf, bytes.NewReader(contents), int64(len(contents)), false); err != nil {
		return nil, fmt.Errorf("add text %s to store: %v", name, err)
	}

	info := &store.ValidPathInfo{
		Path:       destPath,
		References: refs,
		CA:         ca,
	}
	if err := s.registerFromNAR(ctx, info, &narBuf, repair); err != nil {
		return nil, err
	}
	return info, nil
}

// registerFromNAR extracts narBuf to info.Path's real location (unless it
// already exists and repair is false) and records info in the database,
// computing NARHash/NARSize from the bytes actually written.
func (s *Store) registerFromNAR(ctx context.Context, info *store.ValidPathInfo, narBuf *bytes.Buffer, repair bool) error {
	unlock, err := s.writing.lock(ctx, info.Path)
	if err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	defer unlock()

	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	defer s.putConn(conn)

	if !repair {
		if exists, err := objectExists(conn, info.Path); err != nil {
			return fmt.Errorf("register %s: %v", info.Path, err)
		} else if exists {
			return nil
		}
	}

	realPath := s.realPath(info.Path)
	narData := narBuf.Bytes()
	narHasher := nixhash.NewHasher(nixhash.SHA256)
	narHasher.Write(narData)
	if err := restoreStoreObject(realPath, narData); err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	if err := canonicalise(realPath); err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}

	info.NARHash = narHasher.SumHash()
	info.NARSize = int64(len(narData))
	info.RegistrationTime = time.Now()

	if err := insertValidPath(ctx, conn, info); err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	return nil
}

// restoreStoreObject extracts a NAR into realPath, first removing anything
// already there. [nar.Restore] requires its destination directory to already exist
// and be empty when the NAR's root is a directory, but requires the
// opposite — that the destination not exist at all — when the root is a
// lone regular file or symlink, since the store path itself becomes that
// file or symlink rather than a directory containing it. restoreStoreObject
// peeks the root entry to satisfy whichever contract applies.
func restoreStoreObject(realPath string, narData []byte) error {
	if err := os.RemoveAll(realPath); err != nil {
		return err
	}
	hdr, err := nar.NewReader(bytes.NewReader(narData)).Next()
	if err != nil {
		return fmt.Errorf("inspect nar root: %v", err)
	}
	if hdr.Type == nar.TypeDirectory {
		if err := os.Mkdir(realPath, 0o755); err != nil {
			return err
		}
	}
	return nar.Restore(realPath, bytes.NewReader(narData))
}

// insertValidPath inserts info and its references into the database inside
// a single immediate transaction.
func insertValidPath(ctx context.Context, conn *sqlite.Conn, info *store.ValidPathInfo) (err error) {
	log.Debugf(ctx, "localstore: registering %s", info.Path)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endFn(&err)

	registrationTime := info.RegistrationTime
	if registrationTime.IsZero() {
		registrationTime = time.Now()
	}
	ultimate := 0
	if info.Ultimate {
		ultimate = 1
	}
	err = sqlitex.ExecuteTransientFS(conn, sqlFiles(), "insert_valid_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":              string(info.Path),
			":hash":              info.NARHash.SRI(),
			":nar_size":          info.NARSize,
			":registration_time": registrationTime.Unix(),
			":deriver":           string(info.Deriver),
			":ultimate":          ultimate,
			":sigs":              marshalSigs(info.Sig),
			":ca":                info.CA.String(),
		},
	})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
		return fmt.Errorf("insert %s: %w", info.Path, errObjectExists)
	}
	if err != nil {
		return fmt.Errorf("insert %s: %v", info.Path, err)
	}

	addRefStmt, err := sqlitex.PrepareTransientFS(conn, sqlFiles(), "add_reference.sql")
	if err != nil {
		return fmt.Errorf("insert %s: %v", info.Path, err)
	}
	defer addRefStmt.Finalize()
	addRefStmt.SetText(":referrer", string(info.Path))

	addRef := func(ref storepath.Path) error {
		addRefStmt.SetText(":reference", string(ref))
		if _, err := addRefStmt.Step(); err != nil {
			return fmt.Errorf("insert %s: add reference %s: %v", info.Path, ref, err)
		}
		return addRefStmt.Reset()
	}
	for i := 0; i < info.References.Others.Len(); i++ {
		if err := addRef(info.References.Others.At(i)); err != nil {
			return err
		}
	}
	if info.References.Self {
		if err := addRef(info.Path); err != nil {
			return err
		}
	}
	return nil
}

// RegisterValidPaths atomically registers a batch of already-extracted
// store objects, per spec.md 4.3's registerValidPaths: the whole batch is
// rejected unless every reference is either already valid or appears
// elsewhere within the same batch. Foreign key checks are deferred to
// transaction commit so that forward references within the batch resolve
// correctly regardless of insertion order.
func (s *Store) RegisterValidPaths(ctx context.Context, batch []*store.ValidPathInfo) (err error) {
	if len(batch) == 0 {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("register valid paths: %v", err)
	}
	defer s.putConn(conn)

	if err := sqlitex.ExecuteTransient(conn, "PRAGMA defer_foreign_keys = on;", nil); err != nil {
		return fmt.Errorf("register valid paths: %v", err)
	}
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("register valid paths: %v", err)
	}
	defer endFn(&err)

	for _, info := range batch {
		if info.RegistrationTime.IsZero() {
			info.RegistrationTime = time.Now()
		}
		if err := insertValidPath(ctx, conn, info); err != nil {
			return fmt.Errorf("register valid paths: %v", err)
		}
	}
	return nil
}

// sourceContentAddress computes a "source" content address (spec.md 4.2,
// 4.3) for a NAR stream, treating occurrences of the object's own digest as
// self-references to be hashed as zero bytes — see [detect.ModuloReader].
// digest is the store path digest the NAR may self-reference; pass "" if
// the object cannot self-reference (e.g. it has no path yet).
func sourceContentAddress(digest string, narContent io.Reader) (nixhash.ContentAddress, error) {
	h := nixhash.NewHasher(nixhash.SHA256)
	var mr *detect.ModuloReader
	src := narContent
	if digest != "" {
		mr = detect.NewModuloReader(digest, narContent)
		src = mr
	}
	if _, err := io.Copy(h, src); err != nil {
		return nixhash.ContentAddress{}, fmt.Errorf("compute source content address: %v", err)
	}
	h.WriteString("|")
	if mr != nil {
		for _, off := range mr.Offsets() {
			fmt.Fprintf(h, "|%d", off)
		}
	}
	return nixhash.RecursiveContentAddress(h.SumHash()), nil
}
