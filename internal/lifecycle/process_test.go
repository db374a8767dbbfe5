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

package lifecycle

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("our own process should be running")
	}
	if IsProcessRunning(0) {
		t.Error("pid 0 should never report running")
	}
	if IsProcessRunning(-1) {
		t.Error("negative pid should never report running")
	}
}

func TestIsProcessRunningAfterExit(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if IsProcessRunning(pid) {
		t.Errorf("reaped process %d should not report running", pid)
	}
}

func TestKillNotRunning(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	pid := cmd.Process.Pid
	cmd.Wait()

	if err := Kill(pid); !errors.Is(err, ErrProcessNotRunning) {
		t.Errorf("Kill() error = %v, want ErrProcessNotRunning", err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := GracefulShutdown(pid, 5*time.Second, false); err != nil {
		t.Fatalf("GracefulShutdown() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestWaitForExitTimeout(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	if err := WaitForExit(cmd.Process.Pid, 300*time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("WaitForExit() error = %v, want ErrShutdownTimeout", err)
	}
}
