// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

//go:build windows

package helper

// None of spec.md 4.9's privileged helpers have a Windows equivalent in
// this implementation: Windows has no setuid/setgid, no fork-then-setsid
// detach convention, and AF_UNIX sockets don't hit the short sun_path
// limits these helpers exist to work around. Each helper below exits with
// an error instead; internal/executor does not use the helper, and
// internal/buildhook's Pool.TryBuild falls back to the local executor
// when its helper fails to start. This matches
// internal/backend/realize_windows.go's own TODO(someday) stub.

func killUser(errPipe errPipeWriter, uidArg string) int {
	return errPipe.die("kill-user: TODO(someday): not supported on windows")
}

func runBuildHook(errPipe errPipeWriter, prog string, args []string) int {
	return errPipe.die("run-build-hook: TODO(someday): not supported on windows")
}

func runDiffHook(errPipe errPipeWriter, uidArg, gidArg, hook string, args []string) int {
	return errPipe.die("run-diff-hook: TODO(someday): not supported on windows")
}

func runPager(errPipe errPipeWriter, args []string) int {
	return errPipe.die("run-pager: TODO(someday): not supported on windows")
}

func unixBindConnect(errPipe errPipeWriter, fdArg, method, dir, name string) int {
	return errPipe.die("unix-bind-connect: TODO(someday): not supported on windows")
}
