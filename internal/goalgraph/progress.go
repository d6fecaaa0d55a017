// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"sync/atomic"
	"time"
)

// Counter tracks one expected/done/running/failed quadruple, updated
// concurrently by goals and read by a [Reporter].
type Counter struct {
	expected atomic.Int64
	done     atomic.Int64
	running  atomic.Int64
	failed   atomic.Int64
}

// AddExpected adds n to the counter's expected total, e.g. when a goal
// discovers it needs to download or build something new.
func (c *Counter) AddExpected(n int64) {
	c.expected.Add(n)
}

// Start records n units starting work.
func (c *Counter) Start(n int64) {
	c.running.Add(n)
}

// Finish records n units finishing, moving them from running to done and,
// if failed is true, also counting them as failed.
func (c *Counter) Finish(n int64, failed bool) {
	c.running.Add(-n)
	c.done.Add(n)
	if failed {
		c.failed.Add(n)
	}
}

// CounterSnapshot is a point-in-time read of a [Counter].
type CounterSnapshot struct {
	Expected int64
	Done     int64
	Running  int64
	Failed   int64
}

// Snapshot reads the counter's current values.
func (c *Counter) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Expected: c.expected.Load(),
		Done:     c.done.Load(),
		Running:  c.running.Load(),
		Failed:   c.failed.Load(),
	}
}

// Progress aggregates the four counters spec.md requires a driver to
// expose to its front-end: builds and substitutions by count, downloads
// and NAR transfers by byte count.
type Progress struct {
	Builds        Counter
	Substitutions Counter
	Downloads     Counter // bytes
	NARTransfers  Counter // bytes
}

// ProgressSnapshot is a point-in-time read of a [Progress].
type ProgressSnapshot struct {
	Builds, Substitutions, Downloads, NARTransfers CounterSnapshot
}

// Snapshot reads every counter's current values.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Builds:        p.Builds.Snapshot(),
		Substitutions: p.Substitutions.Snapshot(),
		Downloads:     p.Downloads.Snapshot(),
		NARTransfers:  p.NARTransfers.Snapshot(),
	}
}

// DefaultReportInterval is 20ms, the 50 Hz ceiling spec.md places on
// progress reporting.
const DefaultReportInterval = 20 * time.Millisecond

// Reporter periodically delivers [Progress] snapshots to a callback at a
// bounded rate, mirroring the worker's own statistics loop.
type Reporter struct {
	Progress *Progress
	// Interval between snapshots; DefaultReportInterval is used if zero.
	Interval time.Duration
}

// Run delivers snapshots to fn until ctx is done, then returns ctx.Err().
func (r *Reporter) Run(ctx context.Context, fn func(ProgressSnapshot)) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(r.Progress.Snapshot())
		}
	}
}
