// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"context"
	"sync"
)

// mutexMap is a map of per-key mutexes. The zero value is an empty map,
// ready to use. It serializes concurrent writers to the same store path
// within a single process; cross-process serialization for the same path is
// unnecessary since only one process is expected to own a given store
// directory.
type mutexMap[T comparable] struct {
	mu sync.Mutex
	m  map[T]<-chan struct{}
}

// lock waits until it can acquire the mutex for k or ctx is done. On
// success, it returns a function that releases the lock; until that
// function is called, every other call to lock(ctx, k) blocks.
func (mm *mutexMap[T]) lock(ctx context.Context, k T) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		workDone := mm.m[k]
		if workDone == nil {
			c := make(chan struct{})
			if mm.m == nil {
				mm.m = make(map[T]<-chan struct{})
			}
			mm.m[k] = c
			mm.mu.Unlock()
			return func() {
				mm.mu.Lock()
				delete(mm.m, k)
				close(c)
				mm.mu.Unlock()
			}, nil
		}
		mm.mu.Unlock()

		select {
		case <-workDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
