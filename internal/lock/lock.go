// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lock provides exclusive advisory file locks used to frame
// every multi-step mutation of a state document.
//
// A lock on a document at <path> is an flock held on the sibling file
// <path>.lock. Acquisition retries every 100ms until the timeout.
// Reentrancy is not supported: a second Acquire from the same process
// blocks like any other contender.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	// retryInterval is the spin cadence while the lock is contended.
	retryInterval = 100 * time.Millisecond

	// DefaultTimeout bounds acquisition when the caller has no opinion.
	DefaultTimeout = 30 * time.Second
)

// ErrLockTimeout is returned when the lock cannot be acquired within
// the timeout. The operation that needed the lock must be aborted.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Lock is a held exclusive lock. Release is idempotent and must run on
// every exit path; prefer the WithLock helper which guarantees it.
type Lock struct {
	lockPath string
	file     *os.File

	mu       sync.Mutex
	released bool
}

// Acquire obtains an exclusive advisory lock for the document at path,
// retrying every 100ms until timeout. A non-positive timeout falls back
// to DefaultTimeout.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lockPath := path + ".lock"
	if dir := filepath.Dir(lockPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Lock{lockPath: lockPath, file: f}, nil
		}
		f.Close()

		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if !time.Now().Add(retryInterval).Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %v", ErrLockTimeout, path, timeout)
		}
		time.Sleep(retryInterval)
	}
}

// Release unlocks and removes the lock file. It is safe to call more
// than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock for path, releasing it on
// every exit path including panics.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	l, err := Acquire(path, timeout)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
