// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package build implements the derivation goal state machine from spec.md
// 4.6: realising every wanted output of a single derivation, by
// substitution, by recursively realising its inputs and running its
// builder, or by dispatching the build to an external build hook. It plays
// the role internal/backend/realize.go plays for the teacher, but keyed
// goals and per-path locking come from internal/goalgraph rather than a
// bespoke mutexMap and goal-retry loop, matching how internal/substitute
// (C5) already wraps that package for its own goal.
package build

import (
	"context"

	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/metrics"
	"lix.dev/core/internal/sortedset"
	"lix.dev/core/internal/substitute"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// LocalStore is the subset of *[lix.dev/core/internal/localstore.Store] the
// derivation goal needs: checking and recording output validity, and
// reading or writing an output's contents directly on disk around a build.
type LocalStore interface {
	QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error)
	RealPath(path storepath.Path) string
	Canonicalise(realPath string) error
	RegisterBuiltOutput(ctx context.Context, info *store.ValidPathInfo, repair bool) error
	QueryDerivationOutputs(ctx context.Context, drv storepath.Path) (map[string]storepath.Path, error)
	SetDerivationOutput(ctx context.Context, drv storepath.Path, outputName string, path storepath.Path) error
	QueryRealisation(ctx context.Context, id store.DrvOutput) (*store.Realisation, error)
	RegisterRealisation(ctx context.Context, r *store.Realisation) error
	Directory() storepath.Directory
}

// Config holds everything a [Manager] needs that does not vary goal to
// goal.
type Config struct {
	// Local is where realised outputs are looked up and registered.
	Local LocalStore
	// Substitute realises opaque input paths and, when not in --check
	// mode, tries to avoid a build by fetching wanted outputs directly.
	Substitute *substitute.Manager
	// Executor runs a derivation's builder locally (C7).
	Executor Executor
	// Hook, if non-nil, is offered every build before Executor; a
	// decline falls back to Executor.
	Hook BuildHook
	// Pool bounds concurrent local builds (max-jobs).
	Pool *goalgraph.Pool
	// Locks serializes registration of any one output path across
	// concurrently running goals, per spec.md 4.6's TryToBuild.
	Locks *goalgraph.KeyedLock[storepath.Path]
	// KeepGoing mirrors the keep-going setting for this goal's own
	// InputsReady? wait: if false, one failed input cancels the rest.
	KeepGoing bool
	// Check, if true, always rebuilds into scratch locations and
	// compares against whatever is already registered instead of
	// accepting a substitute or an already-valid output, per spec.md
	// 4.6's BuildDone --check behavior.
	Check bool
	// Keyring, if non-nil, signs every output this goal registers; each
	// key in Keyring.Ed25519 is signed under the matching name in
	// SignedBy.
	Keyring  *store.Keyring
	SignedBy []string
	Progress *goalgraph.Progress
	// Metrics, if non-nil, records build counters for the daemon's
	// /metrics endpoint.
	Metrics *metrics.Metrics
}

// Manager runs derivation goals, deduplicating concurrent requests for the
// same drv path via a shared [goalgraph.Graph], the way [substitute.Manager]
// does for paths.
type Manager struct {
	cfg   Config
	graph *goalgraph.Graph[storepath.Path, *Goal]
}

// NewManager returns a Manager that runs goals detached from ctx's deadline
// and cancellation until its Cancel is called.
func NewManager(ctx context.Context, cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		graph: goalgraph.NewGraph[storepath.Path, *Goal](ctx),
	}
}

// Cancel aborts every derivation goal currently in flight.
func (m *Manager) Cancel() {
	m.graph.Cancel()
}

// Build realises wanted (or, if wanted is empty, every declared output) of
// the derivation at drvPath, per spec.md 4.8's makeDerivationGoal.
// Concurrent calls for the same drvPath share one underlying goal, which
// widens its wanted set rather than rejecting a caller that asks for a
// different output than an in-flight one already covers.
func (m *Manager) Build(ctx context.Context, drvPath storepath.Path, wanted *sortedset.Set[string]) (goalgraph.Result, error) {
	create := func() *Goal {
		g := &Goal{mgr: m, drvPath: drvPath}
		if wanted != nil {
			g.wanted.AddSet(wanted)
		}
		return g
	}
	extend := func(g *Goal) bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		if wanted != nil {
			for i := 0; i < wanted.Len(); i++ {
				g.wanted.Add(wanted.At(i))
			}
		}
		return true
	}
	_, wait, err := m.graph.Make(ctx, drvPath, create, extend)
	if err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed}, err
	}
	return wait(ctx)
}
