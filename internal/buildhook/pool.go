// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package buildhook

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"lix.dev/core/internal/build"
	"lix.dev/core/internal/helper"
)

// Pool implements [internal/build.BuildHook] by starting prog fresh for
// every offered build, per [Start]'s one-proposal-per-process model.
type Pool struct {
	Client    *helper.Client
	Prog      string
	Args      []string
	Verbosity int

	// Settings returns the configuration to send the hook before each
	// proposal; called once per offered build so a reloadable config
	// source can be passed in directly.
	Settings func() map[string]string
}

// TryBuild offers req to the configured hook program. A transport error
// starting or talking to the hook is returned as err with ok false,
// matching [build.BuildHook]'s contract that ok=false with a non-nil err
// still falls through to the local executor — a broken or misconfigured
// hook should not make otherwise-buildable derivations fail outright.
func (p *Pool) TryBuild(ctx context.Context, req *build.BuildRequest) (ok bool, result *build.BuildResult, err error) {
	var settings map[string]string
	if p.Settings != nil {
		settings = p.Settings()
	}

	h, err := Start(ctx, p.Client, p.Prog, p.Args, p.Verbosity, settings)
	if err != nil {
		return false, nil, fmt.Errorf("build hook: start: %w", err)
	}
	defer h.Close()

	decision, err := h.Propose(string(req.DrvPath), req.Drv.System)
	if err != nil {
		h.Kill()
		return false, nil, fmt.Errorf("build hook: %w", err)
	}
	if decision == Decline {
		h.Kill()
		return false, nil, nil
	}

	var log bytes.Buffer
	_, copyErr := io.Copy(&log, h.Logs())
	waitErr := h.Wait()

	buildResult := &build.BuildResult{Log: log.Bytes()}
	if waitErr != nil {
		return true, buildResult, fmt.Errorf("build hook: %w", waitErr)
	}
	if copyErr != nil {
		return true, buildResult, fmt.Errorf("build hook: read log: %w", copyErr)
	}
	return true, buildResult, nil
}
