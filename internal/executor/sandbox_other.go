// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

//go:build !linux

package executor

import (
	"context"

	"lix.dev/core/internal/build"
)

// platformSandbox reports that this platform has no sandbox
// implementation, matching spec.md 4.7's "a portable implementation
// supplies a fallback that simply runs the builder unsandboxed and
// refuses if sandboxing was requested" and
// internal/backend/realize_darwin.go's own runSandboxed stub (there,
// literally unimplemented; here, [LocalExecutor.Build] already treats a
// false first return as "no sandbox available" and applies
// [SandboxRequired]'s refusal itself, so no stub error type is needed).
func platformSandbox() (bool, sandboxFunc) {
	return false, nil
}

type sandboxFunc = func(ctx context.Context, e *LocalExecutor, req *build.BuildRequest, tmpDir string, logWriter *capBufferedWriter) error
