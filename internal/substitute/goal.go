// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package substitute

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"zombiezen.com/go/log"

	"lix.dev/core/internal/goalgraph"
	"lix.dev/core/internal/remotestore"
	"lix.dev/core/nixhash"
	"lix.dev/core/store"
	"lix.dev/core/storepath"
)

// Goal runs spec.md 4.5's state machine for a single store path. It
// implements [goalgraph.Goal] and is always driven through a [Manager], so
// that concurrent requests for the same path share one Goal and its result.
type Goal struct {
	mgr  *Manager
	path storepath.Path
	ca   nixhash.ContentAddress
}

var _ goalgraph.Goal = (*Goal)(nil)

// Run drives the goal through Init, TryNext, GotInfo, ReferencesDone, and
// Fetching, falling back to the next substituter on NoInfo or BadInfo at
// GotInfo/ReferencesDone/Fetching, until one succeeds or the ordered
// substituter list is exhausted.
func (g *Goal) Run(ctx context.Context) (goalgraph.Result, error) {
	// Init: if the path is already valid, there is nothing to do.
	if info, err := g.mgr.cfg.Local.QueryPathInfo(ctx, g.path); err != nil {
		return goalgraph.Result{Code: goalgraph.ExitFailed}, fmt.Errorf("substitute %s: %v", g.path, err)
	} else if info != nil {
		return goalgraph.Result{Code: goalgraph.ExitSuccess}, nil
	}

	backends := g.mgr.cfg.orderedBackends()
	var lastErr error
	for _, backend := range backends {
		// TryNext has already happened (backends is the remaining,
		// priority-ordered list); GotInfo follows.
		result, err := g.tryBackend(ctx, backend)
		if err == nil {
			return result, nil
		}
		if log.IsEnabled(log.Debug) {
			log.Debugf(ctx, "substitute: %s: %s declined: %v", g.path, backend.Name, err)
		}
		lastErr = err
	}

	// TryNext with nothing left: ecNoSubstituters.
	if lastErr == nil {
		return goalgraph.Result{Code: goalgraph.ExitNoSubstituters}, fmt.Errorf("substitute %s: %w", g.path, ErrNoSubstituters)
	}
	return goalgraph.Result{Code: goalgraph.ExitNoSubstituters}, fmt.Errorf("substitute %s: %w: last attempt: %v", g.path, ErrNoSubstituters, lastErr)
}

// tryBackend runs GotInfo, ReferencesDone, and Fetching against a single
// backend, returning an error (NoInfo or BadInfo in spec.md 4.5's terms) if
// this backend cannot be used, in which case the caller moves on to the
// next one.
func (g *Goal) tryBackend(ctx context.Context, backend Backend) (goalgraph.Result, error) {
	// GotInfo.
	info, err := backend.Substituter.QueryPathInfoUncached(ctx, g.path)
	if err != nil {
		// NoInfo.
		return goalgraph.Result{}, fmt.Errorf("query path info: %v", err)
	}
	if err := g.validate(info); err != nil {
		// BadInfo.
		return goalgraph.Result{}, err
	}
	if p := g.mgr.cfg.Progress; p != nil {
		downloadSize := info.FileSize
		if downloadSize == 0 {
			downloadSize = info.NARSize
		}
		p.Downloads.AddExpected(downloadSize)
		p.NARTransfers.AddExpected(info.NARSize)
		p.Substitutions.AddExpected(1)
		p.Substitutions.Start(1)
	}

	// ReferencesDone: substitute every reference not already valid,
	// concurrently, before fetching this object itself.
	if err := g.substituteReferences(ctx, info); err != nil {
		g.finishSubstitution(true)
		return goalgraph.Result{}, fmt.Errorf("realise references: %v", err)
	}

	// Fetching.
	if err := g.fetch(ctx, backend.Substituter, info); err != nil {
		g.finishSubstitution(true)
		return goalgraph.Result{}, fmt.Errorf("fetch: %v", err)
	}
	g.finishSubstitution(false)
	g.mgr.cfg.Metrics.RecordSubstitutedBytes(ctx, info.NARSize)
	log.Debugf(ctx, "substitute: %s: fetched from %s", g.path, backend.Name)
	return goalgraph.Result{Code: goalgraph.ExitSuccess}, nil
}

// finishSubstitution records this attempt's outcome in the manager's
// Progress, if configured, matching the Start call made once GotInfo
// decided to fetch this object.
func (g *Goal) finishSubstitution(failed bool) {
	if p := g.mgr.cfg.Progress; p != nil {
		p.Substitutions.Finish(1, failed)
	}
}

// validate applies GotInfo's rejection checks: a CA-mismatch against the
// goal's required content address, and (if the manager's policy demands
// it) the absence of any signature verifying against the trusted keys. A
// NAR-hash mismatch known in advance would also belong here, but narinfo
// carries no independent prior expectation of NARHash to check against —
// only fetch-time verification (in [Goal.fetch]) can catch that.
func (g *Goal) validate(info *store.NARInfo) error {
	if !g.ca.IsZero() && (info.CA.IsZero() || !caEqual(info.CA, g.ca)) {
		return fmt.Errorf("content address mismatch: narinfo declares %v, want %v", info.CA, g.ca)
	}
	if g.mgr.cfg.RequireSignatures {
		var fp bytes.Buffer
		if err := info.WriteFingerprint(&fp); err != nil {
			return fmt.Errorf("compute fingerprint: %v", err)
		}
		if !store.VerifyFingerprint(fp.Bytes(), info.Sig, g.mgr.cfg.TrustedKeys) {
			return fmt.Errorf("no valid signature from a trusted key")
		}
	}
	return nil
}

// substituteReferences realises every reference info declares that is not
// already valid, bounded by the manager's shared [goalgraph.Pool] (the
// global substitution slot limit), and waits for all of them. A
// self-reference never needs substituting separately since it names the
// object currently being fetched.
func (g *Goal) substituteReferences(ctx context.Context, info *store.NARInfo) error {
	missing := make([]storepath.Path, 0, len(info.References))
	for _, ref := range info.References {
		if ref == g.path {
			continue
		}
		valid, err := g.mgr.cfg.Local.QueryPathInfo(ctx, ref)
		if err != nil {
			return fmt.Errorf("query %s: %v", ref, err)
		}
		if valid == nil {
			missing = append(missing, ref)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	type outcome struct {
		path storepath.Path
		err  error
	}
	// Each reference's own goal acquires the shared Pool only once it
	// reaches its Fetching state (see [Goal.fetch]); spawning the
	// goroutines here does not itself consume a slot, so a capacity-1
	// pool cannot deadlock against its own children.
	results := make(chan outcome, len(missing))
	for _, ref := range missing {
		ref := ref
		go func() {
			_, err := g.mgr.Substitute(ctx, ref, nixhash.ContentAddress{})
			results <- outcome{ref, err}
		}()
	}
	var firstErr error
	for range missing {
		o := <-results
		if o.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %v", o.path, o.err)
		}
	}
	return firstErr
}

// fetch streams the NAR through the substituter's decompression and
// hash/size verification (FetchNAR) into a pipe feeding the local store's
// addToStore, which re-verifies the NAR hash/size and content address
// independently before registering the object — the two checks spec.md
// 4.5's Fetching state and spec.md 4.3's addToStore each own.
func (g *Goal) fetch(ctx context.Context, sub remotestore.Substituter, info *store.NARInfo) error {
	release, err := g.mgr.cfg.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	pr, pw := io.Pipe()
	fetchDone := make(chan error, 1)
	go func() {
		err := sub.FetchNAR(ctx, info, pw)
		fetchDone <- err
		pw.CloseWithError(err)
	}()

	vpi := &store.ValidPathInfo{
		Path:       g.path,
		NARHash:    info.NARHash,
		NARSize:    info.NARSize,
		References: referencesFromNARInfo(g.path, info.References),
		Deriver:    info.Deriver,
		Sig:        info.Sig,
		CA:         info.CA,
	}
	addErr := g.mgr.cfg.Local.AddToStore(ctx, vpi, pr, false, g.mgr.cfg.RequireSignatures, g.mgr.cfg.TrustedKeys)
	pr.Close()

	if fetchErr := <-fetchDone; fetchErr != nil {
		return fetchErr
	}
	return addErr
}
