// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

//go:build linux

package helper

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// probeUserNS and probeMountPID are the hidden first arguments
// [checkNamespaceSupport] execs itself with to run one probe inside a
// freshly cloned namespace, standing in for the original clone()+child-
// function pattern: [exec.Cmd]'s SysProcAttr.Cloneflags already does the
// clone, so the "child function" is just this same binary re-invoked with
// a marker argument [probeDispatch] recognizes before Main's normal
// protocol parsing ever runs.
const (
	probeUserNS   = "__lix-helper-probe-userns__"
	probeMountPID = "__lix-helper-probe-mount-pid__"
)

func init() {
	probeDispatch = func(args []string) (int, bool) {
		if len(args) == 0 {
			return 0, false
		}
		switch args[0] {
		case probeUserNS:
			// Reaching here at all means the parent's clone with
			// CLONE_NEWUSER succeeded — there is nothing left to check.
			return 0, true
		case probeMountPID:
			return probeMountPIDChild(), true
		default:
			return 0, false
		}
	}
}

// probeMountPIDChild runs inside a child with fresh mount and PID
// namespaces: it first makes the mount tree private (so the remount below
// can't leak to the parent) and then attempts to remount /proc, which the
// kernel refuses unless /proc is fully visible in this mount namespace —
// exactly the condition a build sandbox needs before it can offer the
// builder its own /proc.
func probeMountPIDChild() int {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return 1
	}
	if err := unix.Mount("none", "/proc", "proc", 0, ""); err != nil {
		return 2
	}
	return 0
}

func checkNamespaceSupport(errPipe errPipeWriter) int {
	self, err := os.Executable()
	if err != nil {
		return errPipe.die("find own executable: %v", err)
	}

	tokens := make([]byte, 0, 32)
	haveUserNS := probeChild(self, probeUserNS, uintptr(unix.CLONE_NEWUSER)) == 0
	if haveUserNS {
		tokens = append(tokens, "user\n"...)
	}

	var flags uintptr = unix.CLONE_NEWNS | unix.CLONE_NEWPID
	if haveUserNS {
		flags |= unix.CLONE_NEWUSER
	}
	if probeChild(self, probeMountPID, flags) == 0 {
		tokens = append(tokens, "mount-pid\n"...)
	}

	os.Stdout.Write(tokens)
	return ExitSuccess
}

// probeChild runs self with marker as its sole argument inside a process
// cloned with flags, returning its exit code (or a negative value if the
// clone or exec itself failed — a namespace kind that can't even be
// requested is exactly as unsupported as one whose probe fails once
// running).
func probeChild(self, marker string, flags uintptr) int {
	cmd := exec.Command(self, marker)
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: flags}
	if err := cmd.Run(); err != nil {
		return -1
	}
	return 0
}
