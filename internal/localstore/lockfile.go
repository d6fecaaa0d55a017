// Copyright 2026 Lix Systems
// SPDX-License-Identifier: MIT

package localstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile wraps an open file used purely for advisory flock(2) locking:
// the store's global GC lock. Multiple
// readers/writers may hold a shared lock simultaneously; collectGarbage
// takes the lock exclusively so that no live set computation races a
// concurrent registration or temp-root creation.
type lockFile struct {
	f *os.File
}

func openLockFile(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %v", path, err)
	}
	return &lockFile{f: f}, nil
}

// Shared acquires a shared (read) lock, blocking until it is available.
func (lf *lockFile) Shared() error {
	if err := unix.Flock(int(lf.f.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("lock %s: %v", lf.f.Name(), err)
	}
	return nil
}

// Exclusive acquires an exclusive (write) lock, blocking until it is
// available.
func (lf *lockFile) Exclusive() error {
	if err := unix.Flock(int(lf.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %v", lf.f.Name(), err)
	}
	return nil
}

// TryExclusive attempts to acquire an exclusive lock without blocking. It
// returns false if another process already holds the lock.
func (lf *lockFile) TryExclusive() (bool, error) {
	err := unix.Flock(int(lf.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("try-lock %s: %v", lf.f.Name(), err)
	}
	return true, nil
}

// Unlock releases whatever lock is held.
func (lf *lockFile) Unlock() error {
	if err := unix.Flock(int(lf.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %v", lf.f.Name(), err)
	}
	return nil
}

// Close releases the lock (if any) and closes the underlying file.
func (lf *lockFile) Close() error {
	return lf.f.Close()
}
