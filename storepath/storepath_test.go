// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package storepath

import (
	"testing"

	"lix.dev/core/nixhash"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1", false},
		{"/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-x", false},
		{"relative-path", true},
		{"/lix/store/short", true},
		{"/lix/store/not-base32-!!!!!!!!!!!!!!!!!!!!!!!!!-name", true},
	}
	for _, test := range tests {
		_, err := ParsePath(test.path)
		if (err != nil) != test.wantErr {
			t.Errorf("ParsePath(%q): err = %v, wantErr = %v", test.path, err, test.wantErr)
		}
	}
}

func TestPathNameDigest(t *testing.T) {
	p, err := ParsePath("/lix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Digest(), "s66mzxpvicwk07gjbjfw9izjfa797vsw"; got != want {
		t.Errorf("Digest() = %q, want %q", got, want)
	}
	if got, want := p.Name(), "hello-2.12.1"; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

func TestMakeStorePathDeterministic(t *testing.T) {
	h, err := nixhash.ParseWithAlgorithm(nixhash.SHA256, "00xyyr3fi8l6hb839bv3f7yb86yjv7xi1cgh1xnhipym4asvb4aq")
	if err != nil {
		t.Fatal(err)
	}
	p1, err := MakeStorePath(DefaultDirectory, "text", h, "foo.txt", References{})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := MakeStorePath(DefaultDirectory, "text", h, "foo.txt", References{})
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("MakeStorePath not deterministic: %q != %q", p1, p2)
	}
	if p1.Name() != "foo.txt" {
		t.Errorf("Name() = %q, want %q", p1.Name(), "foo.txt")
	}
}

func TestComputeStorePathForText(t *testing.T) {
	p, err := ComputeStorePathForText(DefaultDirectory, "example.drv", []byte("Derive(...)"), References{})
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsDerivation() {
		t.Errorf("ComputeStorePathForText path %q does not end in .drv", p)
	}
}

func TestDirectoryObjectRejectsSeparators(t *testing.T) {
	if _, err := DefaultDirectory.Object("a/b"); err == nil {
		t.Error("Object with embedded separator: expected error, got nil")
	}
}
