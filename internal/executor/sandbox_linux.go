// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

//go:build linux

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"lix.dev/core/internal/build"
	"lix.dev/core/storepath"
)

// platformSandbox reports that Linux namespace/chroot sandboxing is
// available.
func platformSandbox() (bool, sandboxFunc) {
	return true, runSandboxed
}

type sandboxFunc = func(ctx context.Context, e *LocalExecutor, req *build.BuildRequest, tmpDir string, logWriter *capBufferedWriter) error

// sandboxUID and sandboxGID are the uid/gid the builder sees itself
// running as inside its own user namespace, matching
// original_source/lix/libstore/build/local-derivation-goal.hh's
// sandboxUid()/sandboxGid() single-uid case (no dynamic uid-range build
// user pool — internal/helper's kill-user helper still targets the real
// host uid reported by [os.Geteuid] when no namespace is in play).
const (
	sandboxUID = 1000
	sandboxGID = 100
)

// runSandboxed runs req's builder inside a private mount, PID, IPC, UTS,
// user, and (unless the derivation needs network) network namespace, per
// spec.md 4.7's Linux variant. Grounded on
// internal/backend/realize_linux.go's runSandboxed/setupSandboxFilesystem
// for the chroot filesystem layout (built as a sibling directory inside
// the same real-files directory the outputs live in, so the final
// os.Rename out of the chroot is a same-filesystem, metadata-only
// operation) and on
// original_source/lix/libstore/build/local-derivation-goal.hh's BuildContext
// for the additional namespaces and the per-build cgroup the teacher's own
// sandbox never set up.
func runSandboxed(ctx context.Context, e *LocalExecutor, req *build.BuildRequest, tmpDir string, logWriter *capBufferedWriter) error {
	outputsDir, err := commonOutputDir(req)
	if err != nil {
		return err
	}

	chrootDir := filepath.Join(outputsDir, req.DrvPath.Base()+".chroot")
	if err := os.Mkdir(chrootDir, 0o755); err != nil {
		return fmt.Errorf("sandbox: %v", err)
	}
	defer func() {
		if err := unmountAndRemoveAll(chrootDir); err != nil {
			log.Warnf(ctx, "sandbox: clean up %s: %v", chrootDir, err)
		}
	}()

	network := derivationWantsNetwork(req)
	opts := &sandboxLayout{
		storeDir:   req.Drv.Dir,
		outputsDir: outputsDir,
		inputs:     sandboxInputs(req),
		extra:      e.cfg.ExtraPaths,
		builderUID: sandboxUID,
		builderGID: sandboxGID,
		network:    network,
	}
	if err := setupSandboxFilesystem(ctx, chrootDir, opts); err != nil {
		return err
	}

	cg, err := newBuildCgroup(req.DrvPath.Base())
	if err != nil {
		log.Debugf(ctx, "sandbox: cgroup unavailable, builder will not be confined to one: %v", err)
	}
	defer func() {
		if cg != nil {
			if err := cg.destroy(); err != nil {
				log.Warnf(ctx, "sandbox: remove cgroup: %v", err)
			}
		}
	}()

	c := exec.CommandContext(ctx, req.Drv.Builder, req.Drv.Args...)
	setCancelFunc(c)
	env := buildEnv(req, "/build", tmpDir, e.cfg.Cores)
	for _, kv := range sortedEnv(env) {
		c.Env = append(c.Env, kv)
	}
	c.Dir = "/build"
	c.Stdout = logWriter
	c.Stderr = logWriter
	c.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     chrootDir,
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | unix.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: sandboxUID, HostID: os.Geteuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: sandboxGID, HostID: os.Getegid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
	if !network {
		c.SysProcAttr.Cloneflags |= unix.CLONE_NEWNET
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("sandbox: start builder: %v", err)
	}
	if cg != nil {
		if err := cg.add(c.Process.Pid); err != nil {
			log.Warnf(ctx, "sandbox: add builder to cgroup: %v", err)
		}
	}

	waitErr := c.Wait()
	if ctx.Err() != nil && cg != nil {
		// Timed out or cancelled: the cgroup's kill interface reaches
		// every descendant the builder may have spawned, which SIGTERM
		// to the direct child alone would miss.
		if err := cg.kill(); err != nil {
			log.Warnf(ctx, "sandbox: kill cgroup: %v", err)
		}
	}
	if waitErr != nil {
		return fmt.Errorf("build %s: %w", req.DrvPath, waitErr)
	}

	for name, dst := range req.OutputPaths {
		src := filepath.Join(chrootDir, string(req.Drv.Dir), filepath.Base(dst))
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Debugf(ctx, "sandbox: output %s of %s was not produced", name, req.DrvPath)
				continue
			}
			return fmt.Errorf("sandbox: move output %s into place: %v", name, err)
		}
	}
	return nil
}

// commonOutputDir returns the real-files directory every output in
// req.OutputPaths shares, which is also where the local store keeps every
// other valid object — [internal/localstore.Store.RealPath] always joins
// the same root directory with a path's base name.
func commonOutputDir(req *build.BuildRequest) (string, error) {
	var dir string
	for _, p := range req.OutputPaths {
		d := filepath.Dir(p)
		if dir == "" {
			dir = d
		} else if d != dir {
			return "", fmt.Errorf("sandbox: outputs span multiple directories (%s, %s)", dir, d)
		}
	}
	if dir == "" {
		return "", fmt.Errorf("sandbox: derivation declares no outputs")
	}
	return dir, nil
}

// derivationWantsNetwork reports whether req's derivation is allowed
// outbound network access: only a fixed-output derivation may ask for
// this, per spec.md's content-addressed-fetch exception, signalled the
// same way Nix itself does — an "__impure" or "impureEnvVars"-style
// escape hatch is deliberately not honored here, since spec.md scopes
// network access to fixed outputs alone.
func derivationWantsNetwork(req *build.BuildRequest) bool {
	for _, out := range req.Drv.Outputs {
		if _, ok := out.ContentAddress(); ok {
			return true
		}
	}
	return false
}

// sandboxInputs returns the store paths that must be bind-mounted
// read-only into the sandbox: req.InputPaths, already resolved by
// internal/build to the concrete output path of every input derivation
// dependency actually used (not the dependency's own .drv path). Unlike
// internal/backend/realize_linux.go's runSandboxed, this does not expand
// to each input's transitive closure — internal/build's InputsReady?
// state has already realised (and thus validated) every transitive
// dependency before the goal ever reaches TryToBuild, so the direct input
// set is also already a complete, valid view of everything the builder
// may reference.
func sandboxInputs(req *build.BuildRequest) []storepath.Path {
	inputs := make([]storepath.Path, len(req.InputPaths))
	copy(inputs, req.InputPaths)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i] < inputs[j] })
	return inputs
}
