// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package helper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Client invokes the helper binary at Path, which must be built from
// [cmd/lix-helper] (or an equivalent binary implementing [Main]).
type Client struct {
	// Path is the filesystem path to the helper binary.
	Path string
}

// NewClient returns a [Client] that invokes the helper binary at path.
func NewClient(path string) *Client {
	return &Client{Path: path}
}

// Process is a started helper invocation that execs into a long-running
// program (run-build-hook, run-diff-hook, run-pager): the caller owns
// waiting for it, exactly once, via [Process.Wait].
type Process struct {
	Cmd     *exec.Cmd
	errPipe *os.File
}

// Wait drains the error pipe and waits for the process to exit, combining
// both into a single error. It must be called exactly once, in place of
// calling p.Cmd.Wait directly.
func (p *Process) Wait() error {
	return wait(p.Cmd, p.errPipe)
}

// start execs the helper binary with name as its first argument, a freshly
// allocated error-pipe fd number as its second, then args; extra, if
// non-nil, is appended to the child's file descriptor table starting at fd
// 4 (after stdin/stdout/stderr and the error pipe at fd 3) so a helper like
// unix-bind-connect can operate on a socket the caller already opened.
func (c *Client) start(ctx context.Context, name Name, args []string, extra []*os.File, configure func(*exec.Cmd)) (*Process, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("helper %s: no helper binary configured", name)
	}
	errRead, errWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("helper %s: create error pipe: %v", name, err)
	}

	cmd := exec.CommandContext(ctx, c.Path)
	cmd.ExtraFiles = append(cmd.ExtraFiles, errWrite)
	fdNum := 2 + len(cmd.ExtraFiles) // stdin=0, stdout=1, stderr=2, then ExtraFiles starting at 3
	cmd.ExtraFiles = append(cmd.ExtraFiles, extra...)
	cmd.Args = append([]string{c.Path, string(name), strconv.Itoa(fdNum)}, args...)

	if configure != nil {
		configure(cmd)
	}

	if err := cmd.Start(); err != nil {
		errWrite.Close()
		errRead.Close()
		return nil, fmt.Errorf("helper %s: start: %v", name, err)
	}
	errWrite.Close()
	return &Process{Cmd: cmd, errPipe: errRead}, nil
}

// wait drains errPipe and waits for cmd to exit, combining both into a
// single error: a non-empty error-pipe message always wins over a bare exit
// status, matching spec.md 4.9's "writing any non-empty byte sequence on it
// before exit is treated as a fatal message ... regardless of exit code."
func wait(cmd *exec.Cmd, errPipe *os.File) error {
	msg, readErr := io.ReadAll(errPipe)
	errPipe.Close()
	waitErr := cmd.Wait()

	msg = bytes.TrimSuffix(msg, []byte("\n"))
	if len(msg) > 0 {
		return fmt.Errorf("helper: %s", msg)
	}
	if readErr != nil {
		return fmt.Errorf("helper: read error pipe: %v", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("helper: %w", waitErr)
	}
	return nil
}

// runBlocking starts name with args, waits for it to finish, and returns
// its combined result — used for helpers that never replace their own
// process image (kill-user, unix-bind-connect) or that report their result
// on stdout and then exit normally (check-namespace-support).
func (c *Client) runBlocking(ctx context.Context, name Name, args []string, extra []*os.File, stdout io.Writer) error {
	p, err := c.start(ctx, name, args, extra, func(cmd *exec.Cmd) {
		cmd.Stdout = stdout
	})
	if err != nil {
		return err
	}
	return p.Wait()
}

// KillUser asks the helper to setuid(uid) and then mass-kill every process
// it can now signal, per spec.md 4.9's kill-user contract. Nothing in this
// module calls it; internal/executor does not use the helper.
func (c *Client) KillUser(ctx context.Context, uid int) error {
	return c.runBlocking(ctx, KillUser, []string{strconv.Itoa(uid)}, nil, nil)
}

// CheckNamespaceSupport probes whether user and mount+PID namespaces (with
// a private /proc remount) are usable on this machine, returning the tokens
// the helper reports as present. A token's absence means that namespace
// kind could not be set up and [internal/executor]'s Linux sandbox should
// degrade accordingly rather than fail outright.
func (c *Client) CheckNamespaceSupport(ctx context.Context) (map[string]bool, error) {
	var out bytes.Buffer
	if err := c.runBlocking(ctx, CheckNamespaceSupport, nil, nil, &out); err != nil {
		return nil, err
	}
	tokens := make(map[string]bool)
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			switch fields[0] {
			case "user", "mount-pid":
				tokens[fields[0]] = true
			}
		}
	}
	return tokens, nil
}

// UnixBindConnect binds or connects sock (already created with
// [net.ListenUnix]'s underlying fd or a raw socket fd) to name inside dir,
// via the helper's chdir-then-bind/connect trick that sidesteps
// AF_UNIX's roughly 100-byte sun_path length limit for deeply nested store
// directories.
func (c *Client) UnixBindConnect(ctx context.Context, sock *os.File, method, dir, name string) error {
	if method != "bind" && method != "connect" {
		return fmt.Errorf("helper %s: method must be bind or connect, got %q", UnixBindConnect, method)
	}
	// start always allocates the error-pipe fd first, so sock (the one
	// extra file passed here) lands immediately after it in the child's fd
	// table: fd 3 for the error pipe, fd 4 for sock.
	fdArg := "4"
	return c.runBlocking(ctx, UnixBindConnect, []string{fdArg, method, dir, name}, []*os.File{sock}, nil)
}

// StartBuildHook starts a build-hook subprocess detached from this
// process's session (chdir("/"), setsid, stdin from /dev/null) and then
// execs prog with args, per spec.md 4.9's run-build-hook contract. Since
// the helper always redirects the child's stdin to /dev/null before exec,
// prog cannot receive [internal/buildhook]'s settings/negotiation stream
// on fd 0 the way the original single-process implementation did; extra,
// if non-nil, is passed through to prog's own fd table (starting
// immediately after the error-pipe fd, same as [Client.UnixBindConnect]),
// and the caller is responsible for telling prog which fd numbers those
// landed at via args. The returned [*Process] has already been started
// and must be waited on exactly once via [Process.Wait].
func (c *Client) StartBuildHook(ctx context.Context, prog string, args []string, extra []*os.File, configure func(*exec.Cmd)) (*Process, error) {
	return c.start(ctx, RunBuildHook, append([]string{prog}, args...), extra, configure)
}

// StartDiffHook starts hook with args after dropping privileges to gid then
// uid (either may be "-" to skip that step), per spec.md 4.9's
// run-diff-hook contract.
func (c *Client) StartDiffHook(ctx context.Context, uid, gid, hook string, args []string, configure func(*exec.Cmd)) (*Process, error) {
	hookArgs := append([]string{uid, gid, hook}, args...)
	return c.start(ctx, RunDiffHook, hookArgs, nil, configure)
}

// StartPager runs pager (or, if empty, the first of $PAGER, pager, less,
// more found on PATH) with $LESS defaulted to "FRSXMK", per spec.md 4.9's
// run-pager contract.
func (c *Client) StartPager(ctx context.Context, pager string, configure func(*exec.Cmd)) (*Process, error) {
	var args []string
	if pager != "" {
		args = []string{pager}
	}
	return c.start(ctx, RunPager, args, nil, configure)
}
