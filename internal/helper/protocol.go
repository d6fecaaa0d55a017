// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package helper implements spec.md 4.9's helper-process protocol: a small
// set of privileged or fork-sensitive actions the core never performs
// in-process (setuid, setsid-and-exec, binding a socket by chdir'ing into a
// short directory), run instead as a subprocess with a deliberately tiny,
// fixed calling convention. Every helper here is merged into a single
// [Main] entry point, as spec.md's "any reimplementation may merge them"
// explicitly allows, and dispatched by a leading verb argument rather than
// by argv[0] path trickery.
package helper

import (
	"fmt"
)

// Name identifies one of the fixed helper actions.
type Name string

const (
	CheckNamespaceSupport Name = "check-namespace-support"
	KillUser              Name = "kill-user"
	RunBuildHook          Name = "run-build-hook"
	RunDiffHook           Name = "run-diff-hook"
	RunPager              Name = "run-pager"
	UnixBindConnect       Name = "unix-bind-connect"
)

// expectedArgs is the fixed positional argument count each helper requires
// beyond its name and error-pipe fd, matching the LIBEXEC_HELPER(n)
// declarations in the original implementation this protocol is ported
// from. A helper invoked with fewer is a hard error (exit code
// [ExitTooFewArgs]); more is tolerated.
var expectedArgs = map[Name]int{
	CheckNamespaceSupport: 0,
	KillUser:              1,
	RunBuildHook:          2,
	RunDiffHook:           3,
	RunPager:              0,
	UnixBindConnect:       4,
}

// Exit codes a helper process reports, per spec.md 4.9.
const (
	ExitSuccess      = 0
	ExitFatal        = 252
	ExitBadErrPipeFD = 253
	ExitTooFewArgs   = 254
)

// errPipeWriter is the write end of a helper's one-way error pipe: any
// non-empty write before the process exits is a fatal message the parent
// reports regardless of exit code.
type errPipeWriter struct {
	w interface {
		Write([]byte) (int, error)
	}
}

// die writes msg to the error pipe and returns [ExitFatal], the canonical
// way a helper reports a fatal condition without panicking the whole
// process (a helper is expected to never crash uncontrolled — a bad syscall
// is a reported failure, not a panic).
func (p errPipeWriter) die(format string, args ...any) int {
	msg := fmt.Sprintf(format, args...)
	if p.w != nil {
		p.w.Write([]byte(msg))
	}
	return ExitFatal
}
