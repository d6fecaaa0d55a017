// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"zombiezen.com/go/log"

	"lix.dev/core/drv"
	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/sortedset"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// Goal runs spec.md 4.6's state machine for a single derivation. It
// implements [goalgraph.Goal] and is always driven through a [Manager], so
// that concurrent requests for the same derivation share one Goal and
// widen its wanted output set rather than starting a second build.
type Goal struct {
	mgr     *Manager
	drvPath storepath.Path

	mu     sync.Mutex
	wanted sortedset.Set[string]
}

var _ goalgraph.Goal = (*Goal)(nil)

// Run drives the goal through HaveDerivation, OutputsSubstituted?,
// InputsReady?, TryToBuild, Building, BuildDone, and Closure.
func (g *Goal) Run(ctx context.Context) (goalgraph.Result, error) {
	// HaveDerivation.
	d, err := g.parse()
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("build %s: %v", g.drvPath, err)
	}
	wanted := g.wantedOutputs(d)

	outputPaths, err := resolvedOutputPaths(g.mgr.cfg.Local.Directory(), g.drvPath, d)
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("build %s: %v", g.drvPath, err)
	}

	// OutputsSubstituted?
	if !g.mgr.cfg.Check {
		if ok, err := g.trySubstitute(ctx, d, wanted); err != nil {
			return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("build %s: %v", g.drvPath, err)
		} else if ok {
			return goalgraph.Result{Code: goalgraph.ExitSuccess}, nil
		}
	}

	// InputsReady?
	inputOutputs, err := g.realiseInputs(ctx, d)
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitIncompleteClosure}, fmt.Errorf("build %s: %v", g.drvPath, err)
	}

	// TryToBuild: resolve placeholders, then lock every output path this
	// build is about to write before starting it, in a fixed order so two
	// goals racing on overlapping output sets cannot deadlock each other.
	subs, err := placeholderReplacements(d, outputPaths, inputOutputs)
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("build %s: %v", g.drvPath, err)
	}
	resolved := resolveDerivation(d, subs)

	releases, err := g.lockOutputs(ctx, outputPaths)
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("build %s: %v", g.drvPath, err)
	}
	defer releases()

	result, buildErr := g.build(ctx, resolved, outputPaths, inputOutputs)
	if buildErr != nil {
		return result, fmt.Errorf("build %s: %v", g.drvPath, buildErr)
	}

	// BuildDone: register every output (not only wanted ones — a
	// derivation's builder produces its whole output set in one run).
	search := g.candidateReferences(d, outputPaths, inputOutputs)
	if err := g.registerOutputs(ctx, d, outputPaths, search); err != nil {
		if mismatch, ok := err.(*errHashMismatch); ok {
			return goalgraph.Result{Code: goalgraph.ExitFailed, HashMismatch: true}, fmt.Errorf("build %s: %v", g.drvPath, mismatch)
		}
		if mismatch, ok := err.(*errCheckMismatch); ok {
			return goalgraph.Result{Code: goalgraph.ExitFailed, CheckMismatch: true}, fmt.Errorf("build %s: %v", g.drvPath, mismatch)
		}
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("build %s: register outputs: %v", g.drvPath, err)
	}

	// Closure: every output this goal just registered is, by construction,
	// already in the local store with its own references verified; there
	// is nothing further to recurse into since InputsReady? already
	// brought the rest of the closure to a valid state before the build
	// ran.
	return goalgraph.Result{Code: goalgraph.ExitSuccess}, nil
}

// parse reads and parses the derivation at g.drvPath.
func (g *Goal) parse() (*drv.Derivation, error) {
	local := g.mgr.cfg.Local
	data, err := os.ReadFile(local.RealPath(g.drvPath))
	if err != nil {
		return nil, fmt.Errorf("read derivation: %v", err)
	}
	name := g.drvPath.Name()
	name = name[:len(name)-len(storepath.DerivationExt)]
	d, err := drv.ParseDerivation(local.Directory(), name, data)
	if err != nil {
		return nil, fmt.Errorf("parse derivation: %v", err)
	}
	return d, nil
}

// wantedOutputs returns the goal's wanted output names, defaulting to every
// output d declares if none were requested explicitly.
func (g *Goal) wantedOutputs(d *drv.Derivation) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wanted.Len() == 0 {
		names := make([]string, 0, len(d.Outputs))
		for name := range d.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}
	names := make([]string, g.wanted.Len())
	for i := range names {
		names[i] = g.wanted.At(i)
	}
	return names
}

// trySubstitute reports whether every wanted output is already valid, after
// trying to substitute whichever ones were not, per spec.md 4.6's
// OutputsSubstituted? state. Only outputs with a statically known path
// (input-addressed or fixed-output) can be asked of a substituter this way;
// a floating output's path is not known until it is realised, so a missing
// one always falls through to InputsReady?/TryToBuild.
func (g *Goal) trySubstitute(ctx context.Context, d *drv.Derivation, wanted []string) (bool, error) {
	local := g.mgr.cfg.Local
	known, err := local.QueryDerivationOutputs(ctx, g.drvPath)
	if err != nil {
		return false, fmt.Errorf("query known outputs: %v", err)
	}

	allValid := true
	for _, name := range wanted {
		out := d.Outputs[name]
		path, ok := out.Path()
		if !ok {
			path, ok = known[name]
		}
		if !ok {
			// A floating output nothing has ever realised yet has no path
			// to check or substitute against; only a build can produce
			// one.
			allValid = false
			continue
		}

		info, err := local.QueryPathInfo(ctx, path)
		if err != nil {
			return false, fmt.Errorf("query %s: %v", path, err)
		}
		if info == nil && g.mgr.cfg.Substitute != nil {
			ca, _ := out.ContentAddress()
			if _, serr := g.mgr.cfg.Substitute.Substitute(ctx, path, ca); serr != nil {
				log.Debugf(ctx, "build: %s: output %s: substitution declined: %v", g.drvPath, name, serr)
			} else if info, err = local.QueryPathInfo(ctx, path); err != nil {
				return false, fmt.Errorf("query %s: %v", path, err)
			}
		}
		if info == nil {
			allValid = false
			continue
		}
	}
	return allValid, nil
}

// realiseInputs implements spec.md 4.6's InputsReady? state: recursively
// build every input derivation, restricted to the output names this
// derivation actually uses, and substitute every opaque input source,
// concurrently. If g.mgr.cfg.KeepGoing is false, the first failure cancels
// the rest; otherwise every input is attempted and the first error (if any)
// is returned once all have finished.
func (g *Goal) realiseInputs(ctx context.Context, d *drv.Derivation) (map[storepath.Path]map[string]storepath.Path, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if !g.mgr.cfg.KeepGoing {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	type job func() error
	var jobs []job
	for inputPath, usedNames := range d.InputDerivations {
		inputPath, usedNames := inputPath, usedNames
		jobs = append(jobs, func() error {
			_, err := g.mgr.Build(runCtx, inputPath, usedNames)
			if err != nil {
				return fmt.Errorf("input %s: %v", inputPath, err)
			}
			return nil
		})
	}
	for i := 0; i < d.InputSources.Len(); i++ {
		src := d.InputSources.At(i)
		jobs = append(jobs, func() error {
			if g.mgr.cfg.Substitute == nil {
				if info, err := g.mgr.cfg.Local.QueryPathInfo(runCtx, src); err != nil {
					return fmt.Errorf("input %s: %v", src, err)
				} else if info == nil {
					return fmt.Errorf("input %s: not present and no substituter configured", src)
				}
				return nil
			}
			if _, err := g.mgr.cfg.Substitute.Substitute(runCtx, src, nixhash.ContentAddress{}); err != nil {
				return fmt.Errorf("input %s: %v", src, err)
			}
			return nil
		})
	}

	errs := make(chan error, len(jobs))
	for _, j := range jobs {
		j := j
		go func() { errs <- j() }()
	}
	var firstErr error
	for range jobs {
		if err := <-errs; err != nil {
			if firstErr == nil {
				firstErr = err
				if cancel != nil {
					cancel()
				}
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	inputOutputs := make(map[storepath.Path]map[string]storepath.Path, len(d.InputDerivations))
	for inputPath := range d.InputDerivations {
		outs, err := g.mgr.cfg.Local.QueryDerivationOutputs(ctx, inputPath)
		if err != nil {
			return nil, fmt.Errorf("query outputs of %s: %v", inputPath, err)
		}
		inputOutputs[inputPath] = outs
	}
	return inputOutputs, nil
}

// lockOutputs acquires g.mgr.cfg.Locks for every path in outputPaths,
// sorted so concurrent goals that share some but not all of their output
// paths always request locks in the same relative order.
func (g *Goal) lockOutputs(ctx context.Context, outputPaths map[string]storepath.Path) (release func(), err error) {
	if g.mgr.cfg.Locks == nil {
		return func() {}, nil
	}
	paths := make([]storepath.Path, 0, len(outputPaths))
	for _, p := range outputPaths {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	var releases []func()
	for _, p := range paths {
		rel, err := g.mgr.cfg.Locks.Lock(ctx, p)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, fmt.Errorf("lock %s: %v", p, err)
		}
		releases = append(releases, rel)
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}

// build implements spec.md 4.6's TryToBuild/Building states once inputs are
// realised and output locks are held: it offers the build to the
// configured hook first, falling back to the local executor if the hook
// declines or none is configured.
func (g *Goal) build(ctx context.Context, resolved *drv.Derivation, outputPaths map[string]storepath.Path, inputOutputs map[storepath.Path]map[string]storepath.Path) (goalgraph.Result, error) {
	local := g.mgr.cfg.Local
	req := &BuildRequest{
		DrvPath:     g.drvPath,
		Drv:         resolved,
		OutputPaths: make(map[string]string, len(outputPaths)),
		InputPaths:  g.inputPaths(resolved, inputOutputs),
	}
	for name, p := range outputPaths {
		req.OutputPaths[name] = local.RealPath(p)
	}

	g.mgr.cfg.Metrics.RecordBuildStarted(ctx, resolved.System)

	if g.mgr.cfg.Hook != nil {
		if ok, _, err := g.mgr.cfg.Hook.TryBuild(ctx, req); ok {
			g.mgr.cfg.Metrics.RecordBuildFinished(ctx, resolved.System, err != nil)
			if err != nil {
				return goalgraph.Result{Code: goalgraph.ExitFailed, PermanentFailure: true}, fmt.Errorf("build hook: %v", err)
			}
			return goalgraph.Result{}, nil
		}
	}

	if g.mgr.cfg.Executor == nil {
		g.mgr.cfg.Metrics.RecordBuildFinished(ctx, resolved.System, true)
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("no local executor configured and build hook did not accept")
	}

	release, err := g.mgr.cfg.Pool.Acquire(ctx)
	if err != nil {
		g.mgr.cfg.Metrics.RecordBuildFinished(ctx, resolved.System, true)
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("acquire build slot: %v", err)
	}
	if p := g.mgr.cfg.Progress; p != nil {
		p.Builds.Start(1)
	}
	_, err = g.mgr.cfg.Executor.Build(ctx, req)
	release()
	if p := g.mgr.cfg.Progress; p != nil {
		p.Builds.Finish(1, err != nil)
	}
	g.mgr.cfg.Metrics.RecordBuildFinished(ctx, resolved.System, err != nil)
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed, PermanentFailure: true}, fmt.Errorf("builder: %v", err)
	}
	return goalgraph.Result{}, nil
}

// inputPaths lists every concrete store path resolved's builder may
// legitimately read from: its input sources, plus every input
// derivation's output it actually uses, resolved to the real path
// inputOutputs reports for it.
func (g *Goal) inputPaths(resolved *drv.Derivation, inputOutputs map[storepath.Path]map[string]storepath.Path) []storepath.Path {
	paths := make([]storepath.Path, 0, resolved.InputSources.Len()+len(resolved.InputDerivations))
	for i := 0; i < resolved.InputSources.Len(); i++ {
		paths = append(paths, resolved.InputSources.At(i))
	}
	for inputPath, usedNames := range resolved.InputDerivations {
		outs := inputOutputs[inputPath]
		for i := 0; i < usedNames.Len(); i++ {
			if p, ok := outs[usedNames.At(i)]; ok {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// candidateReferences collects, keyed by digest, every store path a freshly
// built output could legitimately mention: d's own input sources, every
// realised input derivation output actually used, and those of this
// derivation's own outputs whose paths are fixed in advance (input-addressed
// or fixed-output); floating outputs are not added here. The
// reference-scanning policy scans for exactly this set plus each output's
// own (self-referencing) digest.
func (g *Goal) candidateReferences(d *drv.Derivation, outputPaths map[string]storepath.Path, inputOutputs map[storepath.Path]map[string]storepath.Path) map[string]storepath.Path {
	search := make(map[string]storepath.Path)
	for i := 0; i < d.InputSources.Len(); i++ {
		p := d.InputSources.At(i)
		search[p.Digest()] = p
	}
	for inputPath, usedNames := range d.InputDerivations {
		outs := inputOutputs[inputPath]
		for i := 0; i < usedNames.Len(); i++ {
			if p, ok := outs[usedNames.At(i)]; ok {
				search[p.Digest()] = p
			}
		}
	}
	for name, p := range outputPaths {
		if out := d.Outputs[name]; out.IsFixed() {
			search[p.Digest()] = p
		}
	}
	return search
}

// registerOutputs runs spec.md 4.6's output registration policy over every
// output d declares, committing each to the local store.
func (g *Goal) registerOutputs(ctx context.Context, d *drv.Derivation, outputPaths map[string]storepath.Path, search map[string]storepath.Path) error {
	var ownHash *nixhash.Hash
	for name, out := range d.Outputs {
		path := outputPaths[name]
		var info *store.ValidPathInfo
		var err error
		if out.IsFloating() {
			info, err = g.registerFloating(ctx, d, name, out, path, search)
		} else {
			info, err = g.registerFixedOrInputAddressed(ctx, d, name, out, path, search)
		}
		if err != nil {
			return err
		}

		if g.mgr.cfg.Check {
			if existing, qerr := g.mgr.cfg.Local.QueryPathInfo(ctx, info.Path); qerr != nil {
				return fmt.Errorf("check %s: %v", info.Path, qerr)
			} else if existing != nil && !existing.NARHash.Equal(info.NARHash) {
				return &errCheckMismatch{path: info.Path, got: info.NARHash, want: existing.NARHash}
			}
		}

		if err := g.commit(ctx, g.drvPath, name, info); err != nil {
			return err
		}

		if out.IsFloating() {
			if ownHash == nil {
				h, err := hashDerivationModulo(ctx, g.mgr.cfg.Local, g.drvPath)
				if err != nil {
					return fmt.Errorf("compute derivation hash for realisation: %v", err)
				}
				ownHash = &h
			}
			r := &store.Realisation{ID: store.DrvOutput{DrvHash: *ownHash, OutputName: name}, OutPath: info.Path}
			sigs, err := g.realisationSignatures(r)
			if err != nil {
				return err
			}
			r.AddSignatures(sigs...)
			if err := g.mgr.cfg.Local.RegisterRealisation(ctx, r); err != nil {
				return fmt.Errorf("register realisation %s: %v", r.ID, err)
			}
		}
	}
	return nil
}

// realisationSignatures signs r's fingerprint under the goal's configured
// keyring, if any.
func (g *Goal) realisationSignatures(r *store.Realisation) ([]store.Signature, error) {
	cfg := g.mgr.cfg
	if cfg.Keyring == nil {
		return nil, nil
	}
	sigs, err := cfg.Keyring.SignFingerprint(cfg.SignedBy, r.Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("sign realisation %s: %v", r.ID, err)
	}
	return sigs, nil
}

// hashDerivationModulo computes drvPath's own hash derivation modulo,
// re-reading and re-parsing drvPath and every input derivation it
// transitively depends on. It is only needed for a floating output's
// [store.DrvOutput] key, so it is computed lazily and is not cached across
// calls — a realisation is recorded once per output, not on every lookup.
func hashDerivationModulo(ctx context.Context, local LocalStore, drvPath storepath.Path) (nixhash.Hash, error) {
	data, err := os.ReadFile(local.RealPath(drvPath))
	if err != nil {
		return nixhash.Hash{}, fmt.Errorf("read %s: %v", drvPath, err)
	}
	name := drvPath.Name()
	name = name[:len(name)-len(storepath.DerivationExt)]
	d, err := drv.ParseDerivation(local.Directory(), name, data)
	if err != nil {
		return nixhash.Hash{}, fmt.Errorf("parse %s: %v", drvPath, err)
	}

	inputHashes := make(map[storepath.Path]nixhash.Hash, len(d.InputDerivations))
	for inputPath := range d.InputDerivations {
		h, err := hashDerivationModulo(ctx, local, inputPath)
		if err != nil {
			return nixhash.Hash{}, err
		}
		inputHashes[inputPath] = h
	}
	return drv.HashDerivationModulo(d, inputHashes)
}
