// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

// Package buildhook implements the client side of spec.md 4.9/6's build
// hook RPC: the single external collaborator a derivation goal may offer
// a build to before falling back to its local executor.
//
// A hook is a long-lived external program named by configuration (e.g. a
// "distributed build" dispatcher); this package starts it once per
// proposed build through [internal/helper.Client.StartBuildHook], sends
// it the daemon's settings and the proposed build's identity, and reads
// back its accept/decline verdict and, on accept, its build log.
package buildhook

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"lix.dev/core/internal/helper"
)

// Decision is a build hook's verdict on one proposed build.
type Decision int

const (
	// Decline means the hook passed on this build; the caller should
	// fall back to its local executor.
	Decline Decision = iota
	// Accept means the hook is taking this build; its log should be
	// forwarded until it exits.
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "decline"
}

// Hook is one running build-hook process, negotiating exactly one
// proposed build before exiting — mirroring run-build-hook's contract,
// which execs straight into the configured hook program with no
// provision for it to be reused across multiple proposals.
type Hook struct {
	proc     *helper.Process
	toHook   *os.File
	fromHook *os.File
	reader   *bufio.Reader
}

// Start launches prog (with args appended after the two fd-number
// arguments this package adds — see [internal/helper.Client.StartBuildHook]),
// sends it settings as spec.md 6's framed settings stream, and returns a
// [Hook] ready for [Hook.Propose]. verbosity is passed through as the
// build hook's final positional argument, matching the teacher's
// verbosity plumbing into subprocesses elsewhere.
func Start(ctx context.Context, client *helper.Client, prog string, args []string, verbosity int, settings map[string]string) (*Hook, error) {
	toHookRead, toHookWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("buildhook: create settings pipe: %w", err)
	}
	fromHookRead, fromHookWrite, err := os.Pipe()
	if err != nil {
		toHookRead.Close()
		toHookWrite.Close()
		return nil, fmt.Errorf("buildhook: create log pipe: %w", err)
	}

	// c.start always allocates the error-pipe fd first (landing at 3), so
	// these two extra files land at 4 and 5; prog is told the numbers
	// explicitly since it has no other way to learn them once stdin has
	// been redirected to /dev/null by the helper.
	hookArgs := append([]string{"4", "5"}, args...)
	hookArgs = append(hookArgs, strconv.Itoa(verbosity))

	proc, err := client.StartBuildHook(ctx, prog, hookArgs, []*os.File{toHookRead, fromHookWrite}, nil)
	toHookRead.Close()
	fromHookWrite.Close()
	if err != nil {
		toHookWrite.Close()
		fromHookRead.Close()
		return nil, err
	}

	h := &Hook{
		proc:     proc,
		toHook:   toHookWrite,
		fromHook: fromHookRead,
		reader:   bufio.NewReader(fromHookRead),
	}

	if err := h.sendSettings(settings); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Hook) sendSettings(settings map[string]string) error {
	for name, value := range settings {
		if err := writeSetting(h.toHook, name, value); err != nil {
			return fmt.Errorf("buildhook: send setting %q: %w", name, err)
		}
	}
	return writeSettingsEnd(h.toHook)
}

// Propose sends the identity of one build for the hook to accept or
// decline, then reads back its verdict.
func (h *Hook) Propose(drvPath, system string) (Decision, error) {
	if err := writeProposal(h.toHook, drvPath, system); err != nil {
		return Decline, fmt.Errorf("buildhook: propose build: %w", err)
	}
	line, err := h.reader.ReadString('\n')
	if err != nil {
		return Decline, fmt.Errorf("buildhook: read verdict: %w", err)
	}
	switch strings.TrimSuffix(line, "\n") {
	case "accept":
		return Accept, nil
	case "decline":
		return Decline, nil
	default:
		return Decline, fmt.Errorf("buildhook: unexpected verdict %q", strings.TrimSpace(line))
	}
}

// Logs returns the buffered reader positioned right after the verdict
// line, for [io.Copy]ing the build's log until EOF.
func (h *Hook) Logs() *bufio.Reader {
	return h.reader
}

// Wait waits for the hook process to exit and returns its combined
// result, same as [helper.Process.Wait].
func (h *Hook) Wait() error {
	return h.proc.Wait()
}

// Close closes both pipe ends this process still holds; it does not wait
// for the hook to exit. Callers that accepted a build should drain
// [Hook.Logs] and call [Hook.Wait] instead.
func (h *Hook) Close() error {
	werr := h.toHook.Close()
	rerr := h.fromHook.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Kill terminates the hook process immediately, used when a goal is
// cancelled while a proposal is outstanding.
func (h *Hook) Kill() error {
	if h.proc.Cmd.Process == nil {
		return nil
	}
	return h.proc.Cmd.Process.Kill()
}

