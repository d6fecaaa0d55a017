// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package remotestore

import (
	"errors"
	"sync"
	"time"
)

// SubstituterDisabled is returned by a substituter's query methods while it
// is in its cool-down period after a transport failure.
var SubstituterDisabled = errors.New("substituter disabled after transport failure")

// DefaultCooldown is the cool-down period a substituter waits out after a
// transport error before it accepts queries again, absent other
// configuration.
const DefaultCooldown = 60 * time.Second

// breaker tracks whether a substituter has self-disabled after a transport
// failure. A freshly constructed breaker is closed (queries allowed).
//
// breaker never touches the network itself; callers report transport
// failures via trip and successful round trips are implicit in simply not
// calling trip.
type breaker struct {
	cooldown time.Duration
	now      func() time.Time // overridable for tests; nil means time.Now

	mu            sync.Mutex
	disabledUntil time.Time
}

func newBreaker(cooldown time.Duration) *breaker {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &breaker{cooldown: cooldown}
}

func (b *breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// allow reports whether the breaker currently permits a query. If it does
// not, the remaining cool-down has not yet elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.clock().Before(b.disabledUntil)
}

// trip opens the breaker, disabling queries until the cool-down elapses.
func (b *breaker) trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabledUntil = b.clock().Add(b.cooldown)
}

// reset closes the breaker immediately, as if the cool-down had already
// elapsed. Used by tests and by callers that have independently confirmed
// the substituter is reachable again.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabledUntil = time.Time{}
}
