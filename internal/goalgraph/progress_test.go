// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	var c Counter
	c.AddExpected(10)
	c.Start(3)
	c.Finish(1, false)
	c.Finish(1, true)

	got := c.Snapshot()
	want := CounterSnapshot{Expected: 10, Done: 2, Running: 1, Failed: 1}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestReporterBoundedRate(t *testing.T) {
	p := new(Progress)
	p.Builds.AddExpected(5)

	r := &Reporter{Progress: p, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	var snapshots []ProgressSnapshot
	err := r.Run(ctx, func(s ProgressSnapshot) {
		snapshots = append(snapshots, s)
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if len(snapshots) == 0 {
		t.Error("Run() delivered no snapshots before its context expired")
	}
	for _, s := range snapshots {
		if s.Builds.Expected != 5 {
			t.Errorf("snapshot Builds.Expected = %d, want 5", s.Builds.Expected)
		}
	}
}
