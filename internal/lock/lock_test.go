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

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")

	l, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path + ".lock"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected lock file to be removed after release")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")

	l, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestAcquireTimesOutOnContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")

	held, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer held.Release()

	// flock is per file description, so a second open in the same
	// process contends like a separate process would.
	start := time.Now()
	_, err = Acquire(path, 300*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")

	first, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	second, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	second.Release()
}

func TestWithLockReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")

	wantErr := errors.New("boom")
	err := WithLock(path, time.Second, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithLock() error = %v, want %v", err, wantErr)
	}

	// Lock must be free again.
	l, err := Acquire(path, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() after WithLock error = %v", err)
	}
	l.Release()
}
