// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package helper

import (
	"os"
	"strconv"
)

// probeDispatch, if set by a platform-specific file (namespace_linux.go),
// intercepts argument vectors that [checkNamespaceSupport]'s own
// self-reexec uses to test namespace support — these bypass the normal
// Name/error-pipe protocol entirely since they exist purely to let a child
// of this very binary report a bare exit code. ok is false for every
// ordinary invocation.
var probeDispatch func(args []string) (code int, ok bool)

// Main is [cmd/lix-helper]'s entire implementation: given the process's
// arguments after argv[0] (name, error-pipe fd, then the helper's own
// fixed arguments), it dispatches to the matching helper action and
// returns the process exit code spec.md 4.9 defines. It never returns for
// the helpers that exec into another program on success
// ([RunBuildHook], [RunDiffHook], [RunPager]) — those replace this
// process's image entirely, the same way the original fork-then-execv
// implementation does, just via [syscall.Exec] instead of a second
// process.
func Main(args []string) int {
	if probeDispatch != nil {
		if code, ok := probeDispatch(args); ok {
			return code
		}
	}

	if len(args) < 2 {
		return ExitTooFewArgs
	}
	name := Name(args[0])

	fd, err := strconv.Atoi(args[1])
	if err != nil {
		return ExitBadErrPipeFD
	}
	errPipe := errPipeWriter{w: os.NewFile(uintptr(fd), "errpipe")}

	rest := args[2:]
	n, ok := expectedArgs[name]
	if !ok {
		return errPipe.die("unknown helper %q", name)
	}
	if len(rest) < n {
		return ExitTooFewArgs
	}

	switch name {
	case CheckNamespaceSupport:
		return checkNamespaceSupport(errPipe)
	case KillUser:
		return killUser(errPipe, rest[0])
	case RunBuildHook:
		return runBuildHook(errPipe, rest[0], rest[1:])
	case RunDiffHook:
		return runDiffHook(errPipe, rest[0], rest[1], rest[2], rest[3:])
	case RunPager:
		return runPager(errPipe, rest)
	case UnixBindConnect:
		return unixBindConnect(errPipe, rest[0], rest[1], rest[2], rest[3])
	default:
		return errPipe.die("unknown helper %q", name)
	}
}

// parseFD parses a file descriptor number argument the way the helpers
// that operate on an inherited fd (unix-bind-connect) expect it: a bad
// value is the caller's bug, reported as a fatal message rather than a
// panic.
func parseFD(errPipe errPipeWriter, s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		errPipe.die("invalid file descriptor argument %q: %v", s, err)
		return 0, false
	}
	return n, true
}
