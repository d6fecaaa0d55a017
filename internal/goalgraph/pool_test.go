// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"testing"
	"time"
)

func TestPoolClampsCapacity(t *testing.T) {
	p := NewPool(0, nil)
	if got := p.Capacity(); got != 1 {
		t.Errorf("Capacity() = %d, want 1", got)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := NewPool(1, nil)
	release, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := p.TryAcquire(); ok {
		t.Error("TryAcquire succeeded while the only slot was held")
	}

	release()
	release2, ok := p.TryAcquire()
	if !ok {
		t.Fatal("TryAcquire failed after release")
	}
	release2()
}

func TestPoolAcquireBlocksUntilContextDone(t *testing.T) {
	p := NewPool(1, nil)
	release, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("Acquire succeeded while the only slot was held")
	}
}
