// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package nar

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDumpAndRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "run"), []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("bin/run", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, src, nil); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}

	dst := t.TempDir()
	if err := Restore(dst, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("hello.txt = %q, want %q", got, "hello world")
	}

	info, err := os.Stat(filepath.Join(dst, "bin", "run"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&0o111 == 0 {
		t.Errorf("bin/run not executable: mode %v", info.Mode())
	}

	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "bin/run" {
		t.Errorf("link target = %q, want %q", target, "bin/run")
	}
}

func TestReaderRejectsOutOfOrderEntries(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(appendString(nil, Magic))
	buf.Write(appendString(nil, "("))
	buf.Write(appendString(nil, "type"))
	buf.Write(appendString(nil, "directory"))

	writeEntry := func(name string) {
		buf.Write(appendString(nil, "entry"))
		buf.Write(appendString(nil, "("))
		buf.Write(appendString(nil, "name"))
		buf.Write(appendString(nil, name))
		buf.Write(appendString(nil, "node"))
		buf.Write(appendString(nil, "("))
		buf.Write(appendString(nil, "type"))
		buf.Write(appendString(nil, "symlink"))
		buf.Write(appendString(nil, "target"))
		buf.Write(appendString(nil, "x"))
		buf.Write(appendString(nil, ")"))
		buf.Write(appendString(nil, ")"))
	}
	writeEntry("b")
	writeEntry("a")
	buf.Write(appendString(nil, ")"))

	r := NewReader(&buf)
	defer r.Close()
	for {
		_, err := r.Next()
		if err == nil {
			continue
		}
		if err == io.EOF {
			t.Fatal("expected an out-of-order error, got EOF")
		}
		return
	}
}

func TestRestoreRefusesOverwrite(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(appendString(nil, Magic))
	buf.Write(appendString(nil, "("))
	buf.Write(appendString(nil, "type"))
	buf.Write(appendString(nil, "regular"))
	buf.Write(appendString(nil, "contents"))
	var lenBuf [8]byte
	putUint64(lenBuf[:], 2)
	buf.Write(lenBuf[:])
	buf.WriteString("hi")
	buf.Write(make([]byte, padding(2)))
	buf.Write(appendString(nil, ")"))

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "preexisting"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Restore(dir, bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("Restore into non-empty root: expected error, got nil")
	}
}

func TestHeaderTypeString(t *testing.T) {
	if diff := cmp.Diff("directory", TypeDirectory.String()); diff != "" {
		t.Errorf("Type.String() mismatch (-want +got):\n%s", diff)
	}
}
