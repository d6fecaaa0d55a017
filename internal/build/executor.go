// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package build

import (
	"context"

	"lix.dev/core/drv"
	"lix.dev/core/storepath"
)

// BuildRequest describes one derivation build to an [Executor] or
// [BuildHook]: the derivation with every placeholder resolved to a real
// store path (see resolvePlaceholders), and where on disk each of its
// outputs must end up.
type BuildRequest struct {
	DrvPath storepath.Path
	Drv     *drv.Derivation

	// OutputPaths maps every output name declared by Drv to the real
	// filesystem path (not a store path) the builder must leave its
	// result at: an output's final location for a fixed or
	// input-addressed output, or a scratch location for a floating one
	// that the derivation goal relocates once the build completes.
	OutputPaths map[string]string

	// InputPaths lists every store path Drv's resolved Builder, Args, and
	// Env may concretely reference: every input source, plus every input
	// derivation's output actually used, now substituted for the
	// UnknownCAOutputPlaceholder that stood in for it before InputsReady?
	// completed. A sandboxing executor needs this list to know what to
	// bind-mount; an executor that does not isolate the filesystem at all
	// may ignore it.
	InputPaths []storepath.Path
}

// BuildResult reports what running req's builder produced. The output
// contents themselves are expected on disk at the paths the request named;
// a non-nil error from [Executor.Build] or [BuildHook.TryBuild] means the
// builder failed or could not be run at all.
type BuildResult struct {
	// Log is the builder's combined stdout/stderr, kept so a failed
	// build's goal can report it upward.
	Log []byte
}

// Executor runs a derivation's builder, implementing spec.md 4.6's
// Building state for the local case: internal/executor (C7) sandboxes and
// runs the builder process itself; Goal only needs this much of its
// surface to drive the build and interpret its outcome.
type Executor interface {
	Build(ctx context.Context, req *BuildRequest) (*BuildResult, error)
}

// BuildHook offers req to an external build-hook process (spec.md 4.9)
// before the goal falls back to its local [Executor]. ok is false if the
// hook declined to accept this build — no configured remote machine
// matched, every slot was busy, and so on — in which case result and err
// are both ignored and the caller proceeds locally.
type BuildHook interface {
	TryBuild(ctx context.Context, req *BuildRequest) (ok bool, result *BuildResult, err error)
}
