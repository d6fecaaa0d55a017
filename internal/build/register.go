// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"lix.dev/core/drv"
	"lix.dev/core/internal/detect"
	"lix.dev/core/internal/localstore"
	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// errCheckMismatch reports a --check build whose output disagrees with
// what is already registered, spec.md 4.6's ecCheckMismatch.
type errCheckMismatch struct {
	path      storepath.Path
	got, want nixhash.Hash
}

func (e *errCheckMismatch) Error() string {
	return fmt.Sprintf("check %s: rebuild produced %v, registered copy is %v", e.path, e.got, e.want)
}

// errHashMismatch reports a fixed-output or content-addressed output whose
// computed hash disagrees with what the derivation declared, spec.md 4.6's
// ecHashMismatch.
type errHashMismatch struct {
	name      string
	got, want nixhash.Hash
}

func (e *errHashMismatch) Error() string {
	return fmt.Sprintf("output %s: hash mismatch: got %v, wanted %v", e.name, e.got, e.want)
}

// scanResult is what dumping and scanning one built output's contents
// produces: the serialized NAR bytes (kept around so a floating output's
// content address and a possible self-reference rewrite do not require a
// second read from disk), its plain NAR hash/size, and the reference set
// implied by which digests its contents actually mention.
type scanResult struct {
	nar     []byte
	narHash nixhash.Hash
	narSize int64
	refs    storepath.References
}

// scanOutput dumps the tree at realPath to a NAR, computing its hash and
// scanning it for any occurrence of a digest in search (a candidate
// reference, keyed by the store path it names) or selfDigest (this
// output's own path, known in advance for a fixed or input-addressed
// output, or its scratch digest for a not-yet-relocated floating one).
// This is spec.md 4.6's "reference scanning" policy, grounded on
// [detect.RefFinder] the way internal/backend/realize.go's
// scanForReferences uses its own trie-based scanner.
func scanOutput(realPath string, selfDigest string, search map[string]storepath.Path) (*scanResult, error) {
	digests := make([]string, 0, len(search)+1)
	for d := range search {
		digests = append(digests, d)
	}
	if selfDigest != "" {
		digests = append(digests, selfDigest)
	}
	rf := detect.NewRefFinder(digests)
	hasher := nixhash.NewHasher(nixhash.SHA256)
	var narBuf bytes.Buffer
	if err := nar.DumpPath(io.MultiWriter(&narBuf, hasher, rf), realPath, nil); err != nil {
		return nil, fmt.Errorf("scan output: %v", err)
	}

	var refs storepath.References
	for _, d := range rf.Found() {
		if d == selfDigest {
			refs.Self = true
			continue
		}
		if p, ok := search[d]; ok {
			refs.Others.Add(p)
		}
	}
	return &scanResult{
		nar:     narBuf.Bytes(),
		narHash: hasher.SumHash(),
		narSize: int64(narBuf.Len()),
		refs:    refs,
	}, nil
}

// restoreTree extracts narData to realPath, first removing anything already
// there, mirroring internal/localstore's own restoreStoreObject: a NAR whose root
// is a directory needs that directory pre-created and empty, while a NAR
// whose root is a lone file or symlink needs the destination to not exist
// at all.
func restoreTree(realPath string, narData []byte) error {
	if err := os.RemoveAll(realPath); err != nil {
		return err
	}
	hdr, err := nar.NewReader(bytes.NewReader(narData)).Next()
	if err != nil {
		return fmt.Errorf("restore tree: inspect nar root: %v", err)
	}
	if hdr.Type == nar.TypeDirectory {
		if err := os.Mkdir(realPath, 0o755); err != nil {
			return err
		}
	}
	return nar.Restore(realPath, bytes.NewReader(narData))
}

// registerFixedOrInputAddressed implements spec.md 4.6's output
// registration policy for an input-addressed or fixed-output output: its
// path is predetermined, so registration only has to canonicalise what the
// builder wrote, verify a fixed-output's declared hash, scan references,
// and record the row.
func (g *Goal) registerFixedOrInputAddressed(ctx context.Context, d *drv.Derivation, name string, out drv.Output, path storepath.Path, search map[string]storepath.Path) (*store.ValidPathInfo, error) {
	local := g.mgr.cfg.Local
	realPath := local.RealPath(path)
	if err := local.Canonicalise(realPath); err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	}

	result, err := scanOutput(realPath, path.Digest(), search)
	if err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	}

	var ca nixhash.ContentAddress
	if declared, ok := out.ContentAddress(); ok {
		computed, err := computeDeclaredCA(declared, result)
		if err != nil {
			return nil, fmt.Errorf("register output %s: %v", name, err)
		}
		if computed.String() != declared.String() {
			return nil, &errHashMismatch{name: name, got: computed.Hash(), want: declared.Hash()}
		}
		ca = declared
	}

	return &store.ValidPathInfo{
		Path:       path,
		NARHash:    result.narHash,
		NARSize:    result.narSize,
		References: result.refs,
		CA:         ca,
	}, nil
}

// computeDeclaredCA computes the content address a fixed-output's declared
// hashing method implies, from an already-scanned NAR, to compare against
// the derivation's declaration.
func computeDeclaredCA(declared nixhash.ContentAddress, result *scanResult) (nixhash.ContentAddress, error) {
	switch {
	case declared.IsText():
		return textOrFlatCA(declared, result.nar, true)
	case declared.IsRecursiveFile():
		h := nixhash.NewHasher(declared.Hash().Type())
		h.Write(result.nar)
		return nixhash.RecursiveContentAddress(h.SumHash()), nil
	default:
		return textOrFlatCA(declared, result.nar, false)
	}
}

// textOrFlatCA unwraps a NAR known to contain a single flat file and hashes
// its content directly, for a text or flat fixed-output declaration.
func textOrFlatCA(declared nixhash.ContentAddress, narData []byte, text bool) (nixhash.ContentAddress, error) {
	nr := nar.NewReader(bytes.NewReader(narData))
	hdr, err := nr.Next()
	if err != nil {
		return nixhash.ContentAddress{}, fmt.Errorf("inspect fixed output: %v", err)
	}
	if hdr.Type != nar.TypeRegular {
		return nixhash.ContentAddress{}, fmt.Errorf("fixed output is not a flat file")
	}
	h := nixhash.NewHasher(declared.Hash().Type())
	if _, err := io.Copy(h, nr); err != nil {
		return nixhash.ContentAddress{}, fmt.Errorf("hash fixed output: %v", err)
	}
	if text {
		return nixhash.TextContentAddress(h.SumHash()), nil
	}
	return nixhash.FlatContentAddress(h.SumHash()), nil
}

// floatingContentAddress computes the content address a floating output's
// contents imply, zeroing any occurrence of selfDigest while hashing so a
// self-referential output's address does not depend on which scratch path
// it happened to land at — the general form of what
// [localstore.SourceContentAddress] does for the common Recursive+SHA256
// case, needed here because a floating output may declare any
// [nixhash.Method]/[nixhash.Algorithm] pair.
func floatingContentAddress(method nixhash.Method, algo nixhash.Algorithm, selfDigest string, result *scanResult) (nixhash.ContentAddress, error) {
	if method == nixhash.Recursive && algo == nixhash.SHA256 {
		digest := ""
		if result.refs.Self {
			digest = selfDigest
		}
		return localstore.SourceContentAddress(digest, bytes.NewReader(result.nar))
	}

	var src io.Reader
	if method == nixhash.Recursive {
		src = bytes.NewReader(result.nar)
	} else {
		nr := nar.NewReader(bytes.NewReader(result.nar))
		hdr, err := nr.Next()
		if err != nil {
			return nixhash.ContentAddress{}, fmt.Errorf("inspect floating output: %v", err)
		}
		if hdr.Type != nar.TypeRegular {
			return nixhash.ContentAddress{}, fmt.Errorf("floating output is not a flat file")
		}
		src = nr
	}
	if result.refs.Self {
		src = detect.NewModuloReader(selfDigest, src)
	}
	h := nixhash.NewHasher(algo)
	if _, err := io.Copy(h, src); err != nil {
		return nixhash.ContentAddress{}, fmt.Errorf("hash floating output: %v", err)
	}
	switch method {
	case nixhash.Text:
		return nixhash.TextContentAddress(h.SumHash()), nil
	case nixhash.Recursive:
		return nixhash.RecursiveContentAddress(h.SumHash()), nil
	default:
		return nixhash.FlatContentAddress(h.SumHash()), nil
	}
}

// registerFloating implements spec.md 4.6's output registration policy for
// a floating content-addressed output: the builder wrote to a scratch
// location, so registration computes the output's actual content address,
// derives its final path, and relocates it there — rewriting any
// self-reference from the scratch digest to the final one in place, the
// way internal/backend/realize.go's finalizeFloatingOutput does with
// detect.NewHashModuloReader; this package's [detect.StreamRewriter] plays
// the same role.
func (g *Goal) registerFloating(ctx context.Context, d *drv.Derivation, name string, out drv.Output, scratchPath storepath.Path, search map[string]storepath.Path) (*store.ValidPathInfo, error) {
	local := g.mgr.cfg.Local
	scratchReal := local.RealPath(scratchPath)
	if err := local.Canonicalise(scratchReal); err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	}

	result, err := scanOutput(scratchReal, scratchPath.Digest(), search)
	if err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	}

	method, algo, _ := out.FloatingHash()
	ca, err := floatingContentAddress(method, algo, scratchPath.Digest(), result)
	if err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	}

	baseName := outputBaseName(d.Name, name)
	finalPath, err := storepath.MakeFixedOutputPath(g.mgr.cfg.Local.Directory(), baseName, ca, result.refs)
	if err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	}

	if existing, err := local.QueryPathInfo(ctx, finalPath); err != nil {
		return nil, fmt.Errorf("register output %s: %v", name, err)
	} else if existing != nil {
		// Another realisation of this same content already landed here
		// (possibly for a different derivation entirely, the whole point
		// of content addressing); reuse it and discard the scratch copy.
		if err := os.RemoveAll(scratchReal); err != nil {
			return nil, fmt.Errorf("register output %s: remove scratch copy: %v", name, err)
		}
		return existing, nil
	}

	finalReal := local.RealPath(finalPath)
	narHash, narSize := result.narHash, result.narSize
	if result.refs.Self {
		rw, err := detect.NewStreamRewriter(bytes.NewReader(result.nar), map[string]string{
			scratchPath.Digest(): finalPath.Digest(),
		})
		if err != nil {
			return nil, fmt.Errorf("register output %s: %v", name, err)
		}
		hasher := nixhash.NewHasher(nixhash.SHA256)
		rewritten, err := io.ReadAll(io.TeeReader(rw, hasher))
		if err != nil {
			return nil, fmt.Errorf("register output %s: rewrite self-references: %v", name, err)
		}
		if err := restoreTree(finalReal, rewritten); err != nil {
			return nil, fmt.Errorf("register output %s: %v", name, err)
		}
		if err := local.Canonicalise(finalReal); err != nil {
			return nil, fmt.Errorf("register output %s: %v", name, err)
		}
		narHash = hasher.SumHash()
		narSize = int64(len(rewritten))
		if err := os.RemoveAll(scratchReal); err != nil {
			return nil, fmt.Errorf("register output %s: remove scratch copy: %v", name, err)
		}
	} else {
		if err := os.Rename(scratchReal, finalReal); err != nil {
			return nil, fmt.Errorf("register output %s: relocate to final path: %v", name, err)
		}
	}

	return &store.ValidPathInfo{
		Path:       finalPath,
		NARHash:    narHash,
		NARSize:    narSize,
		References: result.refs,
		CA:         ca,
	}, nil
}

// sign attaches a signature to info under the goal's configured keyring, if
// any.
func (g *Goal) sign(info *store.ValidPathInfo) error {
	cfg := g.mgr.cfg
	if cfg.Keyring == nil {
		return nil
	}
	var fp bytes.Buffer
	if err := info.WriteFingerprint(&fp); err != nil {
		return fmt.Errorf("sign %s: %v", info.Path, err)
	}
	sigs, err := cfg.Keyring.SignFingerprint(cfg.SignedBy, fp.Bytes())
	if err != nil {
		return fmt.Errorf("sign %s: %v", info.Path, err)
	}
	info.Sig = append(info.Sig, sigs...)
	return nil
}

// commit registers info, signing it first if the goal is configured to,
// and records drv's bookkeeping row for name so future lookups (and other
// outputs' reference scans) see it.
func (g *Goal) commit(ctx context.Context, drvPath storepath.Path, name string, info *store.ValidPathInfo) error {
	info.Deriver = drvPath
	info.RegistrationTime = time.Now()
	if err := g.sign(info); err != nil {
		return err
	}
	if err := g.mgr.cfg.Local.RegisterBuiltOutput(ctx, info, false); err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	if err := g.mgr.cfg.Local.SetDerivationOutput(ctx, drvPath, name, info.Path); err != nil {
		return fmt.Errorf("register %s: %v", info.Path, err)
	}
	return nil
}
