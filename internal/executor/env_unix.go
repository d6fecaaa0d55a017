// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

//go:build unix

package executor

import (
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"

	"lix.dev/core/storepath"
)

// setDefaultEnv fills in the base environment spec.md 4.7 says a builder
// gets beyond its own derivation's env: HOME, PATH, TMPDIR and its
// aliases, NIX_BUILD_TOP, and a terminal type, none of which override an
// explicit value the derivation already set. Grounded on
// internal/backend/realize_unix.go's fillBaseEnv, extended with
// NIX_STORE and NIX_BUILD_CORES per spec.md's own naming.
func setDefaultEnv(env map[string]string, storeDir storepath.Directory, workDir string, cores int) {
	setDefault(env, "PATH", "/path-not-set")
	setDefault(env, "HOME", "/homeless-shelter")
	setDefault(env, "NIX_STORE", string(storeDir))
	setDefault(env, "NIX_BUILD_TOP", workDir)
	setDefault(env, "TMPDIR", workDir)
	setDefault(env, "TEMPDIR", workDir)
	setDefault(env, "TMP", workDir)
	setDefault(env, "TEMP", workDir)
	setDefault(env, "PWD", workDir)
	setDefault(env, "TERM", "xterm-256color")
	if cores > 0 {
		setDefault(env, "NIX_BUILD_CORES", fmt.Sprint(cores))
	}
}

func setDefault(env map[string]string, key, value string) {
	if _, ok := env[key]; !ok {
		env[key] = value
	}
}

// setCancelFunc arranges for ctx's cancellation to deliver SIGTERM rather
// than exec.Cmd's default SIGKILL, giving the builder a chance to clean
// up, matching internal/backend/realize_unix.go's own setCancelFunc.
func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}
