// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package buildhook

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"reflect"
	"testing"

	"lix.dev/core/internal/build"
	"lix.dev/core/internal/helper"
	"lix.dev/core/storepath"
)

func TestSettingsWireRoundTrip(t *testing.T) {
	want := map[string]string{
		"max-jobs": "4",
		"empty":    "",
		"":         "named-empty",
	}

	var buf bytes.Buffer
	for name, value := range want {
		if err := writeSetting(&buf, name, value); err != nil {
			t.Fatalf("writeSetting(%q, %q): %v", name, value, err)
		}
	}
	if err := writeSettingsEnd(&buf); err != nil {
		t.Fatalf("writeSettingsEnd: %v", err)
	}

	got, err := readSettings(&buf)
	if err != nil {
		t.Fatalf("readSettings: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("readSettings round-trip = %v, want %v", got, want)
	}
}

// pipedHook wires up a *Hook directly against an in-process goroutine
// standing in for the external build-hook program, so the negotiation
// protocol can be exercised without actually execing a helper binary.
func pipedHook(t testing.TB, hookSide func(settings map[string]string, w io.Writer)) *Hook {
	t.Helper()
	toHookRead, toHookWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	fromHookRead, fromHookWrite, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		defer toHookRead.Close()
		defer fromHookWrite.Close()
		settings, err := readSettings(toHookRead)
		if err != nil {
			return
		}
		hookSide(settings, fromHookWrite)
	}()

	return &Hook{
		toHook:   toHookWrite,
		fromHook: fromHookRead,
		reader:   bufio.NewReader(fromHookRead),
	}
}

func TestHookProposeAccept(t *testing.T) {
	h := pipedHook(t, func(settings map[string]string, w io.Writer) {
		if settings["max-jobs"] != "4" {
			t.Errorf("hook side saw settings %v, want max-jobs=4", settings)
		}
		io.WriteString(w, "accept\n")
		io.WriteString(w, "building...\ndone\n")
	})
	defer h.Close()

	if err := h.sendSettings(map[string]string{"max-jobs": "4"}); err != nil {
		t.Fatalf("sendSettings: %v", err)
	}
	decision, err := h.Propose("/nix/store/xxx.drv", "x86_64-linux")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if decision != Accept {
		t.Fatalf("Propose decision = %v, want Accept", decision)
	}

	log, err := io.ReadAll(h.Logs())
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if string(log) != "building...\ndone\n" {
		t.Errorf("log = %q, want %q", log, "building...\ndone\n")
	}
}

func TestHookProposeDecline(t *testing.T) {
	h := pipedHook(t, func(settings map[string]string, w io.Writer) {
		io.WriteString(w, "decline\n")
	})
	defer h.Close()

	if err := h.sendSettings(nil); err != nil {
		t.Fatalf("sendSettings: %v", err)
	}
	decision, err := h.Propose("/nix/store/xxx.drv", "x86_64-linux")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if decision != Decline {
		t.Fatalf("Propose decision = %v, want Decline", decision)
	}
}

func TestHookProposeUnexpectedVerdict(t *testing.T) {
	h := pipedHook(t, func(settings map[string]string, w io.Writer) {
		io.WriteString(w, "maybe\n")
	})
	defer h.Close()

	if err := h.sendSettings(nil); err != nil {
		t.Fatalf("sendSettings: %v", err)
	}
	if _, err := h.Propose("/nix/store/xxx.drv", "x86_64-linux"); err == nil {
		t.Error("Propose with an unrecognized verdict line: want error, got nil")
	}
}

func TestPoolTryBuildFallsBackWhenHelperUnconfigured(t *testing.T) {
	p := &Pool{Client: helper.NewClient(""), Prog: "/nonexistent/hook"}
	req := &build.BuildRequest{
		DrvPath: storepath.Path("/nix/store/xxx.drv"),
		Drv:     nil,
	}
	ok, result, err := p.TryBuild(context.Background(), req)
	if ok {
		t.Error("TryBuild with no helper binary configured: want ok=false")
	}
	if result != nil {
		t.Error("TryBuild with no helper binary configured: want nil result")
	}
	if err == nil {
		t.Error("TryBuild with no helper binary configured: want non-nil err")
	}
}
