// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package goalgraph

import (
	"context"
	"sync"
)

// KeyedLock is a map of mutexes, one per key. The zero value is an empty
// map ready to use. Goals use it to serialize work on the same store path
// or derivation across concurrently running goroutines, the way the local
// store serializes realizations of the same output.
type KeyedLock[K comparable] struct {
	mu sync.Mutex
	m  map[K]<-chan struct{}
}

// Lock waits until it can either acquire the lock for k or ctx is done. If
// it acquires the lock, it returns a function that releases it and a nil
// error. Otherwise it returns a nil release function and ctx.Err(). Until
// release is called, all calls to Lock for the same k block. Multiple
// goroutines may call Lock concurrently.
func (kl *KeyedLock[K]) Lock(ctx context.Context, k K) (release func(), err error) {
	for {
		kl.mu.Lock()
		workDone := kl.m[k]
		if workDone == nil {
			c := make(chan struct{})
			if kl.m == nil {
				kl.m = make(map[K]<-chan struct{})
			}
			kl.m[k] = c
			kl.mu.Unlock()
			return func() {
				kl.mu.Lock()
				delete(kl.m, k)
				close(c)
				kl.mu.Unlock()
			}, nil
		}
		kl.mu.Unlock()

		select {
		case <-workDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
