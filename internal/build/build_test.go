// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package build

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lix.dev/core/drv"
	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/remotestore"
	"lix.dev/core/internal/sortedset"
	"lix.dev/core/internal/substitute"
	"lix.dev/core/nar"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// mustPath deterministically derives a valid store path from label, so
// tests never have to hand-pick base-32 digests.
func mustPath(t testing.TB, label string) storepath.Path {
	t.Helper()
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString(label)
	p, err := storepath.MakeStorePath(storepath.DefaultDirectory, "source", h.SumHash(), label, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// fakeLocalStore is an in-memory [LocalStore] backed by a real temp
// directory for output contents, so registration code can read and write
// through RealPath exactly as it would against internal/localstore.
type fakeLocalStore struct {
	root string

	mu           sync.Mutex
	valid        map[storepath.Path]*store.ValidPathInfo
	drvOutputs   map[storepath.Path]map[string]storepath.Path
	realisations map[store.DrvOutput]*store.Realisation
}

func newFakeLocalStore(t testing.TB) *fakeLocalStore {
	t.Helper()
	return &fakeLocalStore{
		root:         t.TempDir(),
		valid:        make(map[storepath.Path]*store.ValidPathInfo),
		drvOutputs:   make(map[storepath.Path]map[string]storepath.Path),
		realisations: make(map[store.DrvOutput]*store.Realisation),
	}
}

func (s *fakeLocalStore) Directory() storepath.Directory { return storepath.DefaultDirectory }

func (s *fakeLocalStore) RealPath(p storepath.Path) string {
	return filepath.Join(s.root, p.Base())
}

// Canonicalise mirrors internal/localstore's canonicalise: fixed mtime,
// read-only/read-execute permissions.
func (s *fakeLocalStore) Canonicalise(realPath string) error {
	canonicalTime := time.Unix(1, 0)
	return filepath.WalkDir(realPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := os.Chmod(p, 0o555); err != nil {
				return err
			}
		} else {
			mode := fs.FileMode(0o444)
			if info.Mode()&0o111 != 0 {
				mode = 0o555
			}
			if err := os.Chmod(p, mode); err != nil {
				return err
			}
		}
		return os.Chtimes(p, canonicalTime, canonicalTime)
	})
}

func (s *fakeLocalStore) QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid[path], nil
}

// AddToStore lets fakeLocalStore double as a [substitute.LocalStore] when a
// test wires a real *substitute.Manager in front of it.
func (s *fakeLocalStore) AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, repair, checkSigs bool, trustedKeys map[string]ed25519.PublicKey) error {
	if _, err := io.Copy(io.Discard, narSource); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid[info.Path] = info
	return nil
}

func (s *fakeLocalStore) RegisterBuiltOutput(ctx context.Context, info *store.ValidPathInfo, repair bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !repair {
		if _, exists := s.valid[info.Path]; exists {
			return nil
		}
	}
	cp := *info
	s.valid[info.Path] = &cp
	return nil
}

func (s *fakeLocalStore) QueryDerivationOutputs(ctx context.Context, drvPath storepath.Path) (map[string]storepath.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]storepath.Path, len(s.drvOutputs[drvPath]))
	for k, v := range s.drvOutputs[drvPath] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeLocalStore) SetDerivationOutput(ctx context.Context, drvPath storepath.Path, outputName string, path storepath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drvOutputs[drvPath] == nil {
		s.drvOutputs[drvPath] = make(map[string]storepath.Path)
	}
	s.drvOutputs[drvPath][outputName] = path
	return nil
}

func (s *fakeLocalStore) QueryRealisation(ctx context.Context, id store.DrvOutput) (*store.Realisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realisations[id], nil
}

func (s *fakeLocalStore) RegisterRealisation(ctx context.Context, r *store.Realisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.realisations[r.ID] = &cp
	return nil
}

func (s *fakeLocalStore) writeDrv(t testing.TB, drvPath storepath.Path, d *drv.Derivation) {
	t.Helper()
	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.RealPath(drvPath), text, 0o644); err != nil {
		t.Fatal(err)
	}
}

// fakeExecutor runs buildFunc (if set) against each request's output
// paths in place of an actual sandboxed builder.
type fakeExecutor struct {
	mu        sync.Mutex
	calls     int
	buildFunc func(req *BuildRequest) error
	block     chan struct{}
}

func (e *fakeExecutor) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.block != nil {
		<-e.block
	}
	if e.buildFunc != nil {
		if err := e.buildFunc(req); err != nil {
			return nil, err
		}
	}
	return &BuildResult{}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newDrvPath(t testing.TB, label string) storepath.Path {
	t.Helper()
	p := mustPath(t, label)
	return storepath.Path(string(p) + ".drv")
}

func newManager(local LocalStore, exec Executor) *Manager {
	return NewManager(context.Background(), Config{
		Local:    local,
		Executor: exec,
		Pool:     goalgraph.NewPool(4, nil),
		Locks:    new(goalgraph.KeyedLock[storepath.Path]),
	})
}

func TestGoalAlreadyValidOutputsShortCircuit(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "hello")
	outPath := mustPath(t, "hello-out")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "hello",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.InputAddressedOutput(outPath)},
	}
	local.writeDrv(t, drvPath, d)
	local.valid[outPath] = &store.ValidPathInfo{Path: outPath}

	exec := &fakeExecutor{}
	mgr := newManager(local, exec)

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != goalgraph.ExitSuccess {
		t.Errorf("Code = %v, want ExitSuccess", result.Code)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor invoked %d times, want 0 for an already-valid output", exec.callCount())
	}
}

func TestGoalInputAddressedBuild(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "greeter")
	outPath := mustPath(t, "greeter-out")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "greeter",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.InputAddressedOutput(outPath)},
	}
	local.writeDrv(t, drvPath, d)

	exec := &fakeExecutor{buildFunc: func(req *BuildRequest) error {
		writeFile(t, req.OutputPaths["out"], "hello world")
		return nil
	}}
	mgr := newManager(local, exec)

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != goalgraph.ExitSuccess {
		t.Fatalf("Code = %v, want ExitSuccess", result.Code)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor invoked %d times, want 1", exec.callCount())
	}

	info, err := local.QueryPathInfo(context.Background(), outPath)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("output was not registered")
	}
	if info.NARHash.IsZero() {
		t.Error("NARHash not set")
	}
	if info.Deriver != drvPath {
		t.Errorf("Deriver = %v, want %v", info.Deriver, drvPath)
	}

	outs, err := local.QueryDerivationOutputs(context.Background(), drvPath)
	if err != nil {
		t.Fatal(err)
	}
	if outs["out"] != outPath {
		t.Errorf("QueryDerivationOutputs[out] = %v, want %v", outs["out"], outPath)
	}
}

func TestGoalFixedOutputHashMismatch(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "fetched")

	wantHash, err := nixhash.ParseWithAlgorithm(nixhash.SHA256, "00xyyr3fi8l6hb839bv3f7yb86yjv7xi1cgh1xnhipym4asvb4aq")
	if err != nil {
		t.Fatal(err)
	}
	ca := nixhash.FlatContentAddress(wantHash)
	outPath, err := storepath.MakeFixedOutputPath(storepath.DefaultDirectory, "fetched", ca, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "fetched",
		System:           "x86_64-linux",
		Builder:          "builtin:fetchurl",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.FixedCAOutput(outPath, ca)},
	}
	local.writeDrv(t, drvPath, d)

	exec := &fakeExecutor{buildFunc: func(req *BuildRequest) error {
		writeFile(t, req.OutputPaths["out"], "not what was promised")
		return nil
	}}
	mgr := newManager(local, exec)

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err == nil {
		t.Fatal("Build succeeded, want hash mismatch error")
	}
	if !result.HashMismatch {
		t.Errorf("HashMismatch = false, want true (err: %v)", err)
	}
	if info, _ := local.QueryPathInfo(context.Background(), outPath); info != nil {
		t.Error("mismatched output must not be registered")
	}
}

func TestGoalFloatingOutputRelocatesToContentAddress(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "built")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "built",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.FloatingCAOutput(nixhash.Flat, nixhash.SHA256)},
	}
	local.writeDrv(t, drvPath, d)

	const content = "deterministic output bytes"
	exec := &fakeExecutor{buildFunc: func(req *BuildRequest) error {
		writeFile(t, req.OutputPaths["out"], content)
		return nil
	}}
	mgr := newManager(local, exec)

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != goalgraph.ExitSuccess {
		t.Fatalf("Code = %v, want ExitSuccess", result.Code)
	}

	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString(content)
	wantCA := nixhash.FlatContentAddress(h.SumHash())
	wantPath, err := storepath.MakeFixedOutputPath(storepath.DefaultDirectory, "built", wantCA, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}

	info, err := local.QueryPathInfo(context.Background(), wantPath)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatalf("output was not registered at its content-addressed path %s", wantPath)
	}
	if info.CA.String() != wantCA.String() {
		t.Errorf("CA = %v, want %v", info.CA, wantCA)
	}
	if got, err := os.ReadFile(local.RealPath(wantPath)); err != nil {
		t.Fatal(err)
	} else if string(got) != content {
		t.Errorf("content at final path = %q, want %q", got, content)
	}

	ownHash, err := hashDerivationModulo(context.Background(), local, drvPath)
	if err != nil {
		t.Fatal(err)
	}
	r, err := local.QueryRealisation(context.Background(), store.DrvOutput{DrvHash: ownHash, OutputName: "out"})
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("realisation was not registered")
	}
	if r.OutPath != wantPath {
		t.Errorf("realisation OutPath = %v, want %v", r.OutPath, wantPath)
	}
}

func TestGoalFloatingOutputSelfReference(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "self-referential")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "self-referential",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.FloatingCAOutput(nixhash.Recursive, nixhash.SHA256)},
	}
	local.writeDrv(t, drvPath, d)

	scratchPath, err := tempOutputPath(storepath.DefaultDirectory, drvPath, "self-referential", "out")
	if err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{buildFunc: func(req *BuildRequest) error {
		// The builder embeds its own (scratch) digest, as a binary would
		// embed an RPATH entry pointing at itself.
		writeFile(t, req.OutputPaths["out"], "self: "+scratchPath.Digest())
		return nil
	}}
	mgr := newManager(local, exec)

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != goalgraph.ExitSuccess {
		t.Fatalf("Code = %v, want ExitSuccess", result.Code)
	}

	outs, err := local.QueryDerivationOutputs(context.Background(), drvPath)
	if err != nil {
		t.Fatal(err)
	}
	finalPath, ok := outs["out"]
	if !ok {
		t.Fatal("output was not recorded")
	}
	if finalPath == scratchPath {
		t.Fatal("output was not relocated off its scratch path")
	}

	info, err := local.QueryPathInfo(context.Background(), finalPath)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("output was not registered at its final path")
	}
	if !info.References.Self {
		t.Error("References.Self = false, want true")
	}

	got, err := os.ReadFile(local.RealPath(finalPath))
	if err != nil {
		t.Fatal(err)
	}
	if contains := finalPath.Digest(); string(got) != "self: "+contains {
		t.Errorf("content at final path = %q, want self-reference rewritten to %q", got, contains)
	}
	if _, err := os.Stat(local.RealPath(scratchPath)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scratch path still exists after relocation: %v", err)
	}
}

func TestGoalCheckModeMismatch(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "recheck")
	outPath := mustPath(t, "recheck-out")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "recheck",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.InputAddressedOutput(outPath)},
	}
	local.writeDrv(t, drvPath, d)

	stale := nixhash.NewHasher(nixhash.SHA256)
	stale.WriteString("a previous, now-stale build")
	local.valid[outPath] = &store.ValidPathInfo{Path: outPath, NARHash: stale.SumHash(), NARSize: 1}

	exec := &fakeExecutor{buildFunc: func(req *BuildRequest) error {
		writeFile(t, req.OutputPaths["out"], "a different build this time")
		return nil
	}}
	mgr := NewManager(context.Background(), Config{
		Local:    local,
		Executor: exec,
		Pool:     goalgraph.NewPool(4, nil),
		Locks:    new(goalgraph.KeyedLock[storepath.Path]),
		Check:    true,
	})

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err == nil {
		t.Fatal("Build succeeded, want check mismatch")
	}
	if !result.CheckMismatch {
		t.Errorf("CheckMismatch = false, want true (err: %v)", err)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor invoked %d times, want 1 (--check always rebuilds)", exec.callCount())
	}
}

func TestGoalRealiseInputsRecursion(t *testing.T) {
	local := newFakeLocalStore(t)

	leafDrvPath := newDrvPath(t, "leaf")
	leafOutPath := mustPath(t, "leaf-out")
	leaf := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "leaf",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.InputAddressedOutput(leafOutPath)},
	}
	local.writeDrv(t, leafDrvPath, leaf)

	topDrvPath := newDrvPath(t, "top")
	topOutPath := mustPath(t, "top-out")
	usedOutputs := new(sortedset.Set[string])
	usedOutputs.Add("out")
	top := &drv.Derivation{
		Dir:     storepath.DefaultDirectory,
		Name:    "top",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		InputDerivations: map[storepath.Path]*sortedset.Set[string]{
			leafDrvPath: usedOutputs,
		},
		Outputs: map[string]drv.Output{"out": drv.InputAddressedOutput(topOutPath)},
	}
	local.writeDrv(t, topDrvPath, top)

	exec := &fakeExecutor{buildFunc: func(req *BuildRequest) error {
		for _, p := range req.OutputPaths {
			writeFile(t, p, string(req.DrvPath))
		}
		return nil
	}}
	mgr := newManager(local, exec)

	result, err := mgr.Build(context.Background(), topDrvPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != goalgraph.ExitSuccess {
		t.Fatalf("Code = %v, want ExitSuccess", result.Code)
	}
	if exec.callCount() != 2 {
		t.Errorf("executor invoked %d times, want 2 (leaf + top)", exec.callCount())
	}
	if info, err := local.QueryPathInfo(context.Background(), leafOutPath); err != nil {
		t.Fatal(err)
	} else if info == nil {
		t.Error("leaf output was not realised before top was built")
	}
}

func TestManagerBuildDedupesInFlightGoal(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "shared")
	outPath := mustPath(t, "shared-out")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "shared",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.InputAddressedOutput(outPath)},
	}
	local.writeDrv(t, drvPath, d)

	exec := &fakeExecutor{
		block: make(chan struct{}),
		buildFunc: func(req *BuildRequest) error {
			writeFile(t, req.OutputPaths["out"], "built once")
			return nil
		},
	}
	mgr := newManager(local, exec)

	wanted := new(sortedset.Set[string])
	wanted.Add("out")

	type outcome struct {
		result goalgraph.Result
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := mgr.Build(context.Background(), drvPath, wanted)
			results <- outcome{r, err}
		}()
	}
	// Give both calls a chance to reach the shared in-flight goal before
	// letting the (single) build proceed.
	time.Sleep(50 * time.Millisecond)
	close(exec.block)

	for i := 0; i < 2; i++ {
		o := <-results
		if o.err != nil {
			t.Fatal(o.err)
		}
		if o.result.Code != goalgraph.ExitSuccess {
			t.Errorf("Code = %v, want ExitSuccess", o.result.Code)
		}
	}
	if exec.callCount() != 1 {
		t.Errorf("executor invoked %d times, want 1 for two concurrent requests of the same derivation", exec.callCount())
	}
}

// fakeSubstituter is a [remotestore.Substituter] backed by an in-memory map
// of narinfo records and their NAR bodies, mirroring
// internal/substitute's own test double.
type fakeSubstituter struct {
	narinfo    map[storepath.Path]*store.NARInfo
	narContent map[storepath.Path][]byte
}

var _ remotestore.Substituter = (*fakeSubstituter)(nil)

func (s *fakeSubstituter) QueryPathInfoUncached(ctx context.Context, path storepath.Path) (*store.NARInfo, error) {
	info, ok := s.narinfo[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return info, nil
}

func (s *fakeSubstituter) FetchNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error {
	data, ok := s.narContent[info.StorePath]
	if !ok {
		return errors.New("no content")
	}
	_, err := dst.Write(data)
	return err
}

func (s *fakeSubstituter) GetFile(ctx context.Context, name string) ([]byte, error) {
	return nil, errors.New("unused in tests")
}

func (s *fakeSubstituter) FileExists(ctx context.Context, name string) (bool, error) {
	return false, errors.New("unused in tests")
}

func narFor(t testing.TB, text string) ([]byte, nixhash.Hash, int64) {
	t.Helper()
	var buf bytes.Buffer
	if err := nar.Dump(&buf, strings.NewReader(text), int64(len(text)), false); err != nil {
		t.Fatal(err)
	}
	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(buf.Bytes())
	return buf.Bytes(), h.SumHash(), int64(buf.Len())
}

func TestGoalTrySubstituteFixesGap(t *testing.T) {
	local := newFakeLocalStore(t)
	drvPath := newDrvPath(t, "remote")
	outPath := mustPath(t, "remote-out")

	d := &drv.Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "remote",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
		Outputs:          map[string]drv.Output{"out": drv.InputAddressedOutput(outPath)},
	}
	local.writeDrv(t, drvPath, d)

	sub := &fakeSubstituter{narinfo: map[storepath.Path]*store.NARInfo{}, narContent: map[storepath.Path][]byte{}}
	narData, narHash, narSize := narFor(t, "fetched from a cache")
	sub.narinfo[outPath] = &store.NARInfo{StorePath: outPath, URL: "nar/x.nar", NARHash: narHash, NARSize: narSize}
	sub.narContent[outPath] = narData

	subMgr := substitute.NewManager(context.Background(), substitute.Config{
		Substituters: []substitute.Backend{{Name: "a", Substituter: sub}},
		Local:        local,
		Pool:         goalgraph.NewPool(4, nil),
	})

	exec := &fakeExecutor{}
	mgr := NewManager(context.Background(), Config{
		Local:      local,
		Substitute: subMgr,
		Executor:   exec,
		Pool:       goalgraph.NewPool(4, nil),
		Locks:      new(goalgraph.KeyedLock[storepath.Path]),
	})

	result, err := mgr.Build(context.Background(), drvPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != goalgraph.ExitSuccess {
		t.Fatalf("Code = %v, want ExitSuccess", result.Code)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor invoked %d times, want 0: a substitution should have satisfied the output", exec.callCount())
	}
	if info, _ := local.QueryPathInfo(context.Background(), outPath); info == nil {
		t.Error("output was not registered by substitution")
	}
}
