// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"lix.dev/core/drv"
	"lix.dev/core/internal/build"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

func mustPath(t testing.TB, label string) storepath.Path {
	t.Helper()
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString(label)
	p, err := storepath.MakeStorePath(storepath.DefaultDirectory, "source", h.SumHash(), label, storepath.References{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// scriptDerivation returns a minimal derivation whose builder is a shell
// invoked with -c script, the same shape internal/build's own tests use for
// a trivial successful build.
func scriptDerivation(t testing.TB, script string, env map[string]string) *drv.Derivation {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	return &drv.Derivation{
		Dir:     storepath.DefaultDirectory,
		Name:    "greet",
		System:  runtime.GOOS + "-" + runtime.GOARCH,
		Builder: "/bin/sh",
		Args:    []string{"-c", script},
		Env:     env,
		Outputs: map[string]drv.Output{
			"out": drv.InputAddressedOutput(mustPath(t, "greet-out")),
		},
	}
}

func TestRunUnsandboxedSucceeds(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this machine")
	}
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "out")

	d := scriptDerivation(t, `mkdir -p "$out" && echo hi > "$out/greeting"`, map[string]string{"out": outPath})
	req := &build.BuildRequest{
		DrvPath:     mustPath(t, "greet-drv"),
		Drv:         d,
		OutputPaths: map[string]string{"out": outPath},
	}

	e := New(Config{BuildDir: t.TempDir()})
	result, err := e.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result == nil {
		t.Fatal("Build returned nil result with nil error")
	}
}

func TestRunUnsandboxedReportsBuilderFailure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this machine")
	}
	d := scriptDerivation(t, "exit 1", nil)
	req := &build.BuildRequest{
		DrvPath:     mustPath(t, "fail-drv"),
		Drv:         d,
		OutputPaths: map[string]string{"out": filepath.Join(t.TempDir(), "out")},
	}

	e := New(Config{BuildDir: t.TempDir()})
	_, err := e.Build(context.Background(), req)
	if err == nil {
		t.Fatal("Build: want error for nonzero exit, got nil")
	}
	var bf *buildFailure
	if !errors.As(err, &bf) {
		t.Fatalf("Build error %v is not a *buildFailure", err)
	}
}

func TestBuildEnvFillsDefaultsWithoutOverriding(t *testing.T) {
	d := scriptDerivation(t, "true", map[string]string{"HOME": "/already-set"})
	req := &build.BuildRequest{DrvPath: mustPath(t, "env-drv"), Drv: d}

	env := buildEnv(req, "/build", "/real/build", 4)
	if env["HOME"] != "/already-set" {
		t.Errorf("HOME = %q, want derivation's own value preserved", env["HOME"])
	}
	if env["NIX_STORE"] != string(storepath.DefaultDirectory) {
		t.Errorf("NIX_STORE = %q, want %q", env["NIX_STORE"], storepath.DefaultDirectory)
	}
	if env["TMPDIR"] != "/build" {
		t.Errorf("TMPDIR = %q, want /build", env["TMPDIR"])
	}
	if env["NIX_BUILD_CORES"] != "4" {
		t.Errorf("NIX_BUILD_CORES = %q, want 4", env["NIX_BUILD_CORES"])
	}
}

func TestBuildTimeoutParsesDerivationEnv(t *testing.T) {
	d := scriptDerivation(t, "true", map[string]string{"timeout": "1"})
	req := &build.BuildRequest{DrvPath: mustPath(t, "timeout-drv"), Drv: d}

	ctx, cancel := buildTimeout(context.Background(), req)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("buildTimeout did not set a deadline for a derivation with timeout=1")
	}
	if until := time.Until(deadline); until <= 0 || until > 2*time.Second {
		t.Errorf("deadline %v from now, want roughly 1s", until)
	}
}

func TestBuildTimeoutIgnoresMissingOrInvalidValue(t *testing.T) {
	for _, env := range []map[string]string{nil, {"timeout": "not-a-number"}, {"timeout": "-5"}} {
		d := scriptDerivation(t, "true", env)
		req := &build.BuildRequest{DrvPath: mustPath(t, "timeout-drv"), Drv: d}
		ctx, cancel := buildTimeout(context.Background(), req)
		if _, ok := ctx.Deadline(); ok {
			cancel()
			t.Errorf("buildTimeout(%v) set a deadline, want none", env)
			continue
		}
		cancel()
	}
}

func TestCapBufferedWriterTrimsToMax(t *testing.T) {
	var buf bytes.Buffer
	w := &capBufferedWriter{buf: &buf, max: 4}
	w.Write([]byte("abcdefgh"))
	if got := buf.String(); got != "efgh" {
		t.Errorf("buf = %q, want %q", got, "efgh")
	}
}

func TestCheckOutputsAllowsUndeclaredAttribute(t *testing.T) {
	d := scriptDerivation(t, "true", nil)
	dir := t.TempDir()
	req := &build.BuildRequest{
		DrvPath:     mustPath(t, "noattr-drv"),
		Drv:         d,
		OutputPaths: map[string]string{"out": dir},
	}
	if err := checkOutputs(req); err != nil {
		t.Errorf("checkOutputs with no allowed/disallowedReferences set: %v", err)
	}
}

func TestCheckOutputsRejectsDisallowedReference(t *testing.T) {
	forbidden := mustPath(t, "forbidden-dep")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ref"), []byte(forbidden), 0o644); err != nil {
		t.Fatal(err)
	}

	d := scriptDerivation(t, "true", map[string]string{"disallowedReferences": string(forbidden)})
	req := &build.BuildRequest{
		DrvPath:     mustPath(t, "disallow-drv"),
		Drv:         d,
		OutputPaths: map[string]string{"out": dir},
	}
	err := checkOutputs(req)
	if err == nil {
		t.Fatal("checkOutputs: want error for disallowed reference embedded in output, got nil")
	}
	if _, ok := err.(*errOutputCheck); !ok {
		t.Errorf("checkOutputs error %v (%T), want *errOutputCheck", err, err)
	}
}

func TestCheckOutputsRejectsUnlistedAllowedReference(t *testing.T) {
	allowed := mustPath(t, "allowed-dep")
	other := mustPath(t, "other-dep")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ref"), []byte(other), 0o644); err != nil {
		t.Fatal(err)
	}

	d := scriptDerivation(t, "true", map[string]string{"allowedReferences": string(allowed)})
	req := &build.BuildRequest{
		DrvPath:     mustPath(t, "allow-drv"),
		Drv:         d,
		OutputPaths: map[string]string{"out": dir},
	}
	err := checkOutputs(req)
	if err == nil {
		t.Fatal("checkOutputs: want error for reference not present in allowedReferences, got nil")
	}
}
