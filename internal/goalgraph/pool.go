// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"

	"golang.org/x/sync/semaphore"

	"lix.dev/core/internal/metrics"
)

// Pool bounds concurrent access to a class of resource, such as local
// build slots (from max-jobs) or substitution slots (from
// max-substitution-jobs). A goal holds at most one slot while doing its
// CPU/IO work and releases it before awaiting subgoals.
//
// Capacity is always at least 1: a zero or negative configured capacity
// would otherwise deadlock every goal of that class forever.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int64
	metrics  *metrics.Metrics
}

// NewPool returns a Pool with room for capacity concurrent holders,
// clamped to a minimum of 1. m, if non-nil, has its goal-graph-depth
// gauge incremented and decremented as slots are held, so the depth
// exposed over /metrics reflects every pool sharing the same Metrics,
// not just one class of resource.
func NewPool(capacity int, m *metrics.Metrics) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		metrics:  m,
	}
}

// Capacity returns the pool's slot count.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Acquire blocks until a slot is free or ctx is done. On success it
// returns a release function that must be called exactly once to return
// the slot to the pool.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	done := p.metrics.GoalStarted(ctx)
	return func() { done(); p.sem.Release(1) }, nil
}

// TryAcquire acquires a slot without blocking, reporting whether one was
// available.
func (p *Pool) TryAcquire() (release func(), ok bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	done := p.metrics.GoalStarted(context.Background())
	return func() { done(); p.sem.Release(1) }, true
}
