// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package substitute implements the substitution goal state machine from
// spec.md 4.5: realising one store path (and, transitively, its
// references) by copying it in from a configured binary cache instead of
// building it. It has no original_source counterpart of its own — unlike
// the derivation/worker machinery it sits beside, Lix's substitution goal
// is folded into the same worker.cc/build-result.cc files the rest of
// internal/goalgraph is grounded on, with no dedicated source file the
// filtered retrieval pack carries — so this package follows spec.md 4.5's
// state machine prose directly, wired onto internal/goalgraph's scheduling
// primitives and internal/remotestore's Substituter/Uploader interfaces
// the way internal/backend/realize.go wires its own goal execution onto
// mutexMap and the local store.
package substitute

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"sort"

	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/metrics"
	"lix.dev/core/internal/remotestore"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// ErrNoSubstituters reports that every configured substituter was tried (or
// none were configured) without producing a usable copy of the requested
// path, spec.md 4.5's ecNoSubstituters.
var ErrNoSubstituters = errors.New("substitute: no substituters could provide the path")

// LocalStore is the subset of *[lix.dev/core/internal/localstore.Store]
// the substitution goal needs: checking whether a path is already valid,
// and registering one once its NAR has been verified and extracted.
type LocalStore interface {
	QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error)
	AddToStore(ctx context.Context, info *store.ValidPathInfo, narSource io.Reader, repair bool, checkSigs bool, trustedKeys map[string]ed25519.PublicKey) error
}

// Backend is one configured substituter along with the ordering
// information spec.md 4.5 uses to pick among several.
type Backend struct {
	// Name identifies the backend in logs and errors, e.g. a cache URL.
	Name string
	// Substituter is the read side used to query and fetch objects.
	Substituter remotestore.Substituter
	// Priority orders backends: lower values are tried first. Ties are
	// broken by the backend's position in Config.Substituters, per
	// spec.md 4.5's "ties broken by configuration order".
	Priority int
}

// Config holds everything a [Manager] needs that does not vary goal to
// goal.
type Config struct {
	// Substituters are the configured backends, in the order they were
	// configured (before priority sorting).
	Substituters []Backend
	// Local is where fetched objects are registered once verified.
	Local LocalStore
	// TrustedKeys verifies signatures on fetched narinfo records.
	TrustedKeys map[string]ed25519.PublicKey
	// RequireSignatures, when true, rejects a substituter's narinfo
	// unless at least one signature verifies against TrustedKeys — the
	// "unsigned-while-required" rejection spec.md 4.5's GotInfo state
	// names, applied per [remotestore.RequiresVerification] by the
	// caller asking for the substitution.
	RequireSignatures bool
	// Progress, if non-nil, has expected download/NAR byte and object
	// counts accounted into it as GotInfo decides to fetch an object.
	Progress *goalgraph.Progress
	// Pool bounds how many references are fetched concurrently within
	// a single goal, and indirectly (since every goal shares the same
	// Pool) the global substitution slot limit spec.md 5 describes.
	Pool *goalgraph.Pool
	// Metrics, if non-nil, records substituted byte counts for the
	// daemon's /metrics endpoint.
	Metrics *metrics.Metrics
}

// Manager runs substitution goals, deduplicating concurrent requests for
// the same path via an [goalgraph.Graph] the way the derivation goal
// machinery (internal/build, C6) will share its own graph for derivations.
type Manager struct {
	cfg   Config
	graph *goalgraph.Graph[storepath.Path, *Goal]
}

// NewManager returns a Manager that runs goals detached from ctx's
// deadline/cancellation (see [goalgraph.NewGraph]) until its Cancel is
// called.
func NewManager(ctx context.Context, cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		graph: goalgraph.NewGraph[storepath.Path, *Goal](ctx),
	}
}

// Cancel aborts every substitution goal currently in flight.
func (m *Manager) Cancel() {
	m.graph.Cancel()
}

// Substitute realises path, trying substitution, and transitively realises
// any reference path depends on that is not already valid. If ca is
// non-zero, a candidate whose narinfo declares a different content address
// is rejected as a CA-mismatch per spec.md 4.5's GotInfo state. Concurrent
// calls for the same path share one underlying goal and its result.
func (m *Manager) Substitute(ctx context.Context, path storepath.Path, ca nixhash.ContentAddress) (goalgraph.Result, error) {
	create := func() *Goal {
		return &Goal{mgr: m, path: path, ca: ca}
	}
	extend := func(g *Goal) bool {
		// A path's required content address cannot change goal to
		// goal: either it is unset (any valid object for path will
		// do) or it names the one object path can ever resolve to.
		return g.ca.IsZero() || ca.IsZero() || caEqual(g.ca, ca)
	}
	_, wait, err := m.graph.Make(ctx, path, create, extend)
	if err != nil {
		// Code must reflect failure even here: a [Driver] only inspects
		// Result.Code when accumulating the exit-status bitmask, not
		// the accompanying error.
		return goalgraph.Result{Code: goalgraph.ExitFailed}, err
	}
	return wait(ctx)
}

// orderedBackends returns cfg.Substituters sorted by ascending Priority,
// stably so equal priorities keep their configured order — spec.md 4.5's
// "lower = higher priority, ties broken by configuration order".
func (cfg Config) orderedBackends() []Backend {
	ordered := make([]Backend, len(cfg.Substituters))
	copy(ordered, cfg.Substituters)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

// caEqual reports whether a and b assert the same content address. Neither
// [nixhash.ContentAddress] nor the [nixhash.Hash] it carries is comparable
// with ==, since Hash holds a byte slice.
func caEqual(a, b nixhash.ContentAddress) bool {
	if a.IsZero() != b.IsZero() {
		return false
	}
	if a.IsZero() {
		return true
	}
	return a.Method() == b.Method() && a.Hash().Equal(b.Hash())
}

// referencesFromNARInfo splits a flat narinfo reference list into the
// Self/Others shape [storepath.References] uses, per the
// internal/localstore/pathinfo.go convention of storing a self-reference
// out of band from the rest.
func referencesFromNARInfo(path storepath.Path, flat []storepath.Path) storepath.References {
	var refs storepath.References
	for _, ref := range flat {
		if ref == path {
			refs.Self = true
			continue
		}
		refs.Others.Add(ref)
	}
	return refs
}
