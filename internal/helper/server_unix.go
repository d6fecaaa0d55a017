// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

//go:build unix

package helper

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

func killUser(errPipe errPipeWriter, uidArg string) int {
	uid, err := strconv.Atoi(uidArg)
	if err != nil {
		return errPipe.die("invalid uid argument: %v", err)
	}

	// kill(-1, SIGKILL) signals every process this (now-uid) caller can
	// signal, which after setuid(uid) is exactly every process owned by
	// uid — the classic "kill all of this user's processes" trick that
	// doesn't require enumerating pids.
	if err := unix.Setuid(uid); err != nil {
		return errPipe.die("setuid(%d): %v", uid, err)
	}
	for {
		err := unix.Kill(-1, unix.SIGKILL)
		if err == nil {
			continue
		}
		if err == unix.ESRCH || err == unix.EPERM {
			return ExitSuccess
		}
		if err == unix.EINTR {
			continue
		}
		return errPipe.die("kill(-1, SIGKILL) for uid %d: %v", uid, err)
	}
}

func runBuildHook(errPipe errPipeWriter, prog string, args []string) int {
	if err := unix.Chdir("/"); err != nil {
		return errPipe.die("chdir(/): %v", err)
	}
	if _, err := unix.Setsid(); err != nil {
		return errPipe.die("setsid(): %v", err)
	}
	if err := redirectStdinFromDevNull(); err != nil {
		return errPipe.die("%v", err)
	}

	execErr := syscall.Exec(prog, append([]string{prog}, args...), os.Environ())
	return errPipe.die("exec %s: %v", prog, execErr)
}

func runDiffHook(errPipe errPipeWriter, uidArg, gidArg, hook string, args []string) int {
	if err := unix.Chdir("/"); err != nil {
		return errPipe.die("chdir(/): %v", err)
	}
	if gidArg != "-" {
		gid, err := strconv.Atoi(gidArg)
		if err != nil {
			return errPipe.die("invalid gid argument: %v", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return errPipe.die("setgid(%d): %v", gid, err)
		}
		if err := unix.Setgroups(nil); err != nil {
			return errPipe.die("setgroups([]): %v", err)
		}
	}
	if uidArg != "-" {
		uid, err := strconv.Atoi(uidArg)
		if err != nil {
			return errPipe.die("invalid uid argument: %v", err)
		}
		if err := unix.Setuid(uid); err != nil {
			return errPipe.die("setuid(%d): %v", uid, err)
		}
	}

	prog, err := exec.LookPath(hook)
	if err != nil {
		return errPipe.die("%s: %v", hook, err)
	}
	execErr := syscall.Exec(prog, append([]string{hook}, args...), os.Environ())
	return errPipe.die("exec %s: %v", hook, execErr)
}

func runPager(errPipe errPipeWriter, args []string) int {
	var pager string
	if len(args) > 0 {
		pager = args[0]
	}
	if os.Getenv("LESS") == "" {
		os.Setenv("LESS", "FRSXMK")
	}

	if pager != "" {
		sh, err := exec.LookPath("sh")
		if err != nil {
			sh = "/bin/sh"
		}
		execErr := syscall.Exec(sh, []string{"sh", "-c", pager}, os.Environ())
		return errPipe.die("exec %s -c %q: %v", sh, pager, execErr)
	}

	for _, candidate := range []string{"pager", "less", "more"} {
		prog, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		execErr := syscall.Exec(prog, []string{candidate}, os.Environ())
		return errPipe.die("exec %s: %v", candidate, execErr)
	}
	return errPipe.die("could not find a pager to run, please set PAGER or NIX_PAGER")
}

func unixBindConnect(errPipe errPipeWriter, fdArg, method, dir, name string) int {
	fd, ok := parseFD(errPipe, fdArg)
	if !ok {
		return ExitFatal
	}
	if err := unix.Chdir(dir); err != nil {
		return errPipe.die("chdir(%s): %v", dir, err)
	}

	sa := &unix.SockaddrUnix{Name: name}
	var err error
	switch method {
	case "bind":
		err = unix.Bind(fd, sa)
	case "connect":
		err = unix.Connect(fd, sa)
	default:
		return errPipe.die("invalid method %q", method)
	}
	if err != nil {
		return errPipe.die("%s(%s): %v", method, name, err)
	}
	return ExitSuccess
}

func redirectStdinFromDevNull() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()
	return unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd()))
}
