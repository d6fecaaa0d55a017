// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Command lix-helper implements spec.md 4.9's fixed-argv privileged helper
// protocol: [internal/executor] and [internal/buildhook] exec this binary
// to perform the handful of actions (killing a build user's processes,
// detaching and execing a build-hook or diff-hook program, binding a
// deeply-nested AF_UNIX socket) that need a subprocess boundary rather than
// an in-process call.
package main

import (
	"os"

	"lix.dev/core/internal/helper"
)

func main() {
	os.Exit(helper.Main(os.Args[1:]))
}
