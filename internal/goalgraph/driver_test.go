// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"testing"
	"time"
)

func waitFunc(r Result, err error) func(context.Context) (Result, error) {
	return func(context.Context) (Result, error) { return r, err }
}

func TestDriverExitStatusSuccess(t *testing.T) {
	d := new(Driver)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := d.Run(ctx, []Target{
		{Key: "a", Wait: waitFunc(Result{Code: ExitSuccess}, nil)},
		{Key: "b", Wait: waitFunc(Result{Code: ExitSuccess}, nil)},
	})
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if got := d.ExitStatus(); got != 0 {
		t.Errorf("ExitStatus() = %d, want 0", got)
	}
}

func TestDriverExitStatusHashMismatch(t *testing.T) {
	d := new(Driver)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.Run(ctx, []Target{
		{Key: "a", Wait: waitFunc(Result{Code: ExitFailed, HashMismatch: true}, nil)},
	})
	const want = 0x04 | 0x02 | 0x60
	if got := d.ExitStatus(); got != want {
		t.Errorf("ExitStatus() = %#x, want %#x", got, want)
	}
}

func TestDriverExitStatusUnclassifiedFailure(t *testing.T) {
	d := new(Driver)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.Run(ctx, []Target{
		{Key: "a", Wait: waitFunc(Result{Code: ExitNoSubstituters}, nil)},
	})
	if got := d.ExitStatus(); got != 1 {
		t.Errorf("ExitStatus() = %d, want 1", got)
	}
}

func TestDriverKeepGoingFalseCancelsSiblings(t *testing.T) {
	d := &Driver{KeepGoing: false}
	started := make(chan struct{})
	release := make(chan struct{})

	slowWait := func(ctx context.Context) (Result, error) {
		close(started)
		select {
		case <-release:
			return Result{Code: ExitSuccess}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	done := make(chan []TargetResult)
	go func() {
		done <- d.Run(context.Background(), []Target{
			{Key: "slow", Wait: slowWait},
			{Key: "fast", Wait: waitFunc(Result{Code: ExitFailed}, nil)},
		})
	}()

	<-started
	select {
	case results := <-done:
		for _, r := range results {
			if r.Key == "slow" && r.Err == nil {
				t.Error("slow target completed successfully instead of being canceled")
			}
		}
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("Driver.Run did not cancel the slow sibling after the fast one failed")
	}
}
