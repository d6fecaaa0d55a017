// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package goalgraph provides the scheduling primitives shared by the
// substitution and derivation goal state machines: keyed deduplication so
// concurrent requests for the same store path or derivation share one
// result, capacity-bounded resource pools for local builds and
// substitutions, fair-progress reporting, and the top-level driver that
// enforces keep-going semantics and computes a worker's exit-status
// bitmask.
//
// It does not know what a "build" or "substitution" is: internal/build and
// internal/substitute supply the keys and the work functions, and
// goalgraph supplies the concurrency.
package goalgraph

import "context"

// ExitCode classifies how a goal's Run finished.
type ExitCode int

const (
	// ExitSuccess indicates the goal produced its wanted outputs.
	ExitSuccess ExitCode = iota
	// ExitFailed indicates the goal failed outright.
	ExitFailed
	// ExitNoSubstituters indicates a substitution goal failed because no
	// configured substituter had the path.
	ExitNoSubstituters
	// ExitIncompleteClosure indicates a goal failed because part of its
	// closure could not be realized.
	ExitIncompleteClosure
)

// Result is what a [Goal]'s Run returns: a classification plus the finer
// grained flags the worker folds into its overall exit status.
type Result struct {
	Code ExitCode

	// PermanentFailure indicates the goal failed for a reason retrying
	// would not fix (e.g. a build script exited nonzero).
	PermanentFailure bool
	// TimedOut indicates the goal was killed by its build timeout.
	TimedOut bool
	// HashMismatch indicates a fixed-output build or substitution produced
	// content that did not match its declared hash.
	HashMismatch bool
	// CheckMismatch indicates a --check rebuild produced output that
	// differs from the previously registered realization.
	CheckMismatch bool
}

// Goal is the unit of work a [Graph] deduplicates and runs: something that
// can be executed exactly once to completion on behalf of every caller
// that asks for the same key.
type Goal interface {
	Run(ctx context.Context) (Result, error)
}
