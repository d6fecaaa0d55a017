// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package drv

import (
	"testing"

	"lix.dev/core/internal/sortedset"
	"lix.dev/core/nixhash"
	"lix.dev/core/storepath"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	src, err := storepath.ParsePath("/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-bash")
	if err != nil {
		t.Fatal(err)
	}
	d := &Derivation{
		Dir:              storepath.DefaultDirectory,
		Name:             "hello",
		System:           "x86_64-linux",
		Builder:          "/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-bash/bin/bash",
		Args:             []string{"-e", "builder.sh"},
		Env:              map[string]string{"PATH": "/usr/bin", "name": "hello"},
		InputDerivations: make(map[storepath.Path]*sortedset.Set[string]),
	}
	d.InputSources.Add(src)
	d.Outputs = map[string]Output{
		"out": pendingInputAddressedOutput(),
	}

	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseDerivation(storepath.DefaultDirectory, "hello", text)
	if err != nil {
		t.Fatalf("ParseDerivation: %v\ntext: %s", err, text)
	}
	if got.System != d.System {
		t.Errorf("System = %q, want %q", got.System, d.System)
	}
	if got.Builder != d.Builder {
		t.Errorf("Builder = %q, want %q", got.Builder, d.Builder)
	}
	if len(got.Env) != len(d.Env) || got.Env["PATH"] != "/usr/bin" {
		t.Errorf("Env = %v, want %v", got.Env, d.Env)
	}
	if _, ok := got.Outputs["out"]; !ok {
		t.Errorf("Outputs missing %q", "out")
	}
	if !got.InputSources.Contains(src) {
		t.Errorf("InputSources missing %v", src)
	}
}

func TestFixedOutputHashDerivationModulo(t *testing.T) {
	p, err := storepath.ParsePath("/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-fetched")
	if err != nil {
		t.Fatal(err)
	}
	h, err := nixhash.ParseWithAlgorithm(nixhash.SHA256, "00xyyr3fi8l6hb839bv3f7yb86yjv7xi1cgh1xnhipym4asvb4aq")
	if err != nil {
		t.Fatal(err)
	}
	ca := nixhash.FlatContentAddress(h)
	d := &Derivation{
		Dir:     storepath.DefaultDirectory,
		Name:    "fetched",
		System:  "x86_64-linux",
		Builder: "builtin:fetchurl",
		Outputs: map[string]Output{
			"out": FixedCAOutput(p, ca),
		},
	}

	h1, err := HashDerivationModulo(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashDerivationModulo(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !h1.Equal(h2) {
		t.Errorf("HashDerivationModulo not deterministic: %v != %v", h1, h2)
	}
	if h1.IsZero() {
		t.Error("HashDerivationModulo returned zero hash")
	}
}

func TestExportAssignsInputAddressedOutputPath(t *testing.T) {
	d := &Derivation{
		Dir:     storepath.DefaultDirectory,
		Name:    "greet",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hi > $out"},
		Env:     map[string]string{"out": HashPlaceholder("out")},
		Outputs: map[string]Output{
			"out": pendingInputAddressedOutput(),
		},
	}

	drvPath, _, err := d.Export(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !drvPath.IsDerivation() {
		t.Errorf("Export drv path %q does not end in .drv", drvPath)
	}
	outPath, ok := d.OutputPath("out")
	if !ok {
		t.Fatal("Export did not assign output path")
	}
	if outPath.Name() != "greet" {
		t.Errorf("output path name = %q, want %q", outPath.Name(), "greet")
	}
}
