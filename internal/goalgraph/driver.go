// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Target names one top-level goal to run, pairing an identifying key (used
// only for [TargetResult], not for deduplication) with the wait function
// returned by a [Graph.Make] call.
type Target struct {
	Key  any
	Wait func(context.Context) (Result, error)
}

// TargetResult is one target's outcome once its goal has run.
type TargetResult struct {
	Key    any
	Result Result
	Err    error
}

// Driver runs a set of top-level goals to completion under the
// keep-going policy and accumulates the flags needed to compute a process
// exit status once they're all done.
//
// The zero value runs with KeepGoing false.
type Driver struct {
	// KeepGoing mirrors the keep-going setting: if false, the first failed
	// top-level goal cancels every other goal still in flight; if true,
	// unrelated goals continue and failures are reported collectively.
	KeepGoing bool

	mu                                                    sync.Mutex
	anyFailed                                             bool
	permanentFailure, timedOut, hashMismatch, checkMismatch bool
}

// Run waits for every target's goal to finish, canceling the derived
// context passed to later Wait calls as soon as a target fails if
// KeepGoing is false. It always waits for every target before returning,
// so that in-flight goals are never abandoned underneath their resource
// pools.
func (d *Driver) Run(ctx context.Context, targets []Target) []TargetResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]TargetResult, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			result, err := target.Wait(ctx)
			d.record(result)
			results[i] = TargetResult{Key: target.Key, Result: result, Err: err}
			if result.Code != ExitSuccess && !d.KeepGoing {
				cancel()
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func (d *Driver) record(r Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.Code != ExitSuccess {
		d.anyFailed = true
	}
	d.permanentFailure = d.permanentFailure || r.PermanentFailure
	d.timedOut = d.timedOut || r.TimedOut
	d.hashMismatch = d.hashMismatch || r.HashMismatch
	d.checkMismatch = d.checkMismatch || r.CheckMismatch
}

// ExitStatus computes the bitmask a front-end translates into a process
// exit code, following the original worker's failingExitStatus: 0 if every
// goal succeeded; otherwise bit 0x04 for any build failure (permanent
// failure, timeout, or hash mismatch), 0x01 for a timeout specifically,
// 0x02 for a hash mismatch specifically, 0x08 for a check mismatch, with
// 0x60 set whenever any of those bits is, falling back to 1 for a failure
// that set none of them.
func (d *Driver) ExitStatus() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.anyFailed {
		return 0
	}
	var mask int
	buildFailure := d.permanentFailure || d.timedOut || d.hashMismatch
	if buildFailure {
		mask |= 0x04
	}
	if d.timedOut {
		mask |= 0x01
	}
	if d.hashMismatch {
		mask |= 0x02
	}
	if d.checkMismatch {
		mask |= 0x08
	}
	if mask != 0 {
		mask |= 0x60
	}
	if mask == 0 {
		return 1
	}
	return mask
}
