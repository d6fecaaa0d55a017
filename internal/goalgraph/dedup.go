// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"sync"

	"zombiezen.com/go/xcontext"
)

// Graph deduplicates goals of type G keyed by K: concurrent requests for
// the same key share a single Run invocation and its result, the way
// makeDerivationGoal and makePathSubstitutionGoal return an existing goal
// for a live key instead of starting a second one.
type Graph[K comparable, G Goal] struct {
	// runCtx is the context goals run with: detached from the deadline and
	// cancellation of whichever caller's Make happened to create a given
	// goal, so that one caller abandoning its wait doesn't kill the goal
	// for every other caller sharing it, but still observing an explicit
	// call to cancel.
	runCtx context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	goals map[K]*liveGoal[G]
}

type liveGoal[G Goal] struct {
	goal   G
	done   chan struct{}
	result Result
	err    error
}

func (l *liveGoal[G]) wait(ctx context.Context) (Result, error) {
	select {
	case <-l.done:
		return l.result, l.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// NewGraph returns a Graph whose goals run detached from ctx's own deadline
// and cancellation (via [xcontext.Detach]), while still inheriting its
// values (e.g. a logger or trace ID). Call the returned Graph's Cancel to
// abort every goal it is currently running, or Cancel the ctx it was built
// from with an ancestor cancellation if explicit control isn't needed.
func NewGraph[K comparable, G Goal](ctx context.Context) *Graph[K, G] {
	runCtx, cancel := context.WithCancel(xcontext.Detach(ctx))
	return &Graph[K, G]{
		runCtx: runCtx,
		cancel: cancel,
		goals:  make(map[K]*liveGoal[G]),
	}
}

// Cancel aborts every goal the graph is currently running and prevents any
// future goal from starting cleanly (its Run will observe a canceled
// context immediately).
func (g *Graph[K, G]) Cancel() {
	g.cancel()
}

// Make returns the live goal for key, creating it with create if none is
// running, and starts it in the background. If a goal for key is already
// in flight, extend is called with it instead so the caller can fold in
// new requirements (e.g. widen a derivation goal's wanted outputs); if
// extend reports false, Make waits for the in-flight goal to finish and
// then creates a fresh one, mirroring the original worker's
// create-then-retry-once loop for catching unsound concurrent access to
// the same key.
//
// Make returns the goal along with a wait function that blocks (bounded by
// the context passed to it) until the goal's Run completes and yields its
// shared result.
func (g *Graph[K, G]) Make(ctx context.Context, key K, create func() G, extend func(G) bool) (goal G, wait func(context.Context) (Result, error), err error) {
	for {
		g.mu.Lock()
		live, ok := g.goals[key]
		if ok {
			existing := live.goal
			g.mu.Unlock()
			if extend == nil || extend(existing) {
				return existing, live.wait, nil
			}
			select {
			case <-live.done:
				continue
			case <-ctx.Done():
				var zero G
				return zero, nil, ctx.Err()
			}
		}

		goal = create()
		live = &liveGoal[G]{goal: goal, done: make(chan struct{})}
		g.goals[key] = live
		g.mu.Unlock()

		go g.run(key, live)
		return goal, live.wait, nil
	}
}

func (g *Graph[K, G]) run(key K, live *liveGoal[G]) {
	live.result, live.err = live.goal.Run(g.runCtx)
	close(live.done)
	g.mu.Lock()
	if g.goals[key] == live {
		delete(g.goals, key)
	}
	g.mu.Unlock()
}

// Len reports the number of goals currently in flight.
func (g *Graph[K, G]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.goals)
}
