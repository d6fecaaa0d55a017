// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package helper

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
)

func TestMainProtocolValidation(t *testing.T) {
	if code := Main(nil); code != ExitTooFewArgs {
		t.Errorf("Main(nil) = %d, want %d", code, ExitTooFewArgs)
	}
	if code := Main([]string{"kill-user"}); code != ExitTooFewArgs {
		t.Errorf("Main([kill-user]) = %d, want %d", code, ExitTooFewArgs)
	}
	if code := Main([]string{"kill-user", "not-a-number", "0"}); code != ExitBadErrPipeFD {
		t.Errorf("Main with non-numeric error-pipe fd = %d, want %d", code, ExitBadErrPipeFD)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Main takes the fd number as a string and wraps it with os.NewFile
	// itself, so the pipe's write end must already be open at exactly that
	// descriptor in this process for the unknown-helper-name fatal message
	// to land somewhere real rather than on a bogus fd.
	fdNum := int(w.Fd())
	if code := Main([]string{"not-a-real-helper", strconv.Itoa(fdNum)}); code != ExitFatal {
		t.Errorf("Main with unknown helper name = %d, want %d", code, ExitFatal)
	}
}

func TestUnixBindConnectRejectsBadMethod(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("AF_UNIX fd passing is not exercised on windows")
	}
	c := NewClient("/bin/true")
	sock, err := os.CreateTemp(t.TempDir(), "sock")
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()
	if err := c.UnixBindConnect(context.Background(), sock, "frobnicate", t.TempDir(), "s"); err == nil {
		t.Error("UnixBindConnect with an invalid method: want error, got nil")
	}
}

func TestClientRunBlockingSuccess(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("no /bin/true on this machine")
	}
	c := NewClient("/bin/true")
	if err := c.runBlocking(context.Background(), Name("probe"), nil, nil, nil); err != nil {
		t.Errorf("runBlocking against /bin/true: %v", err)
	}
}

func TestClientRunBlockingNonZeroExit(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("no /bin/false on this machine")
	}
	c := NewClient("/bin/false")
	if err := c.runBlocking(context.Background(), Name("probe"), nil, nil, nil); err == nil {
		t.Error("runBlocking against /bin/false: want error, got nil")
	}
}

// fatalScript is a POSIX shell script standing in for a helper binary that
// reports a fatal error: it writes msg to the fd [Client.start] allocates
// for the error pipe (passed as its own second argument, per the protocol)
// and exits nonzero, so [Process.Wait] should surface msg as the error
// regardless of the exit code.
const fatalScript = `#!/bin/sh
fd=$2
eval "printf '%s' boom >&$fd"
exit 1
`

func TestClientRunBlockingFatalMessage(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this machine")
	}
	scriptPath := filepath.Join(t.TempDir(), "fatal-helper.sh")
	if err := os.WriteFile(scriptPath, []byte(fatalScript), 0o755); err != nil {
		t.Fatal(err)
	}

	c := NewClient(scriptPath)
	err := c.runBlocking(context.Background(), Name("probe"), nil, nil, nil)
	if err == nil {
		t.Fatal("runBlocking against a helper that writes to its error pipe: want error, got nil")
	}
}
