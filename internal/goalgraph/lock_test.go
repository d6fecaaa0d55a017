// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"testing"
	"time"
)

func TestKeyedLock(t *testing.T) {
	// Prevent this test from blocking for more than 10 seconds.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kl := new(KeyedLock[int])
	unlock1, err := kl.Lock(ctx, 1)
	if err != nil {
		t.Fatal("Lock(ctx, 1) on new map failed:", err)
	}

	// Verify that we can acquire a lock on an independent key.
	unlock2, err := kl.Lock(ctx, 2)
	if err != nil {
		t.Fatal("Lock(ctx, 2) after Lock(ctx, 1) failed:", err)
	}

	// Verify that attempting a lock on the same key blocks until Done.
	failFastCtx, cancelFailFast := context.WithTimeout(ctx, 100*time.Millisecond)
	unlock1b, err := kl.Lock(failFastCtx, 1)
	cancelFailFast()
	if err == nil {
		t.Error("Lock(ctx, 1) acquired without releasing unlock1")
		unlock1b()
	}

	// Verify that unlocking a key allows a subsequent lock to succeed.
	unlock1()
	unlock1, err = kl.Lock(ctx, 1)
	if err != nil {
		t.Fatal("Lock(ctx, 1) after unlock1 failed:", err)
	}
	unlock1()
	unlock2()
}
