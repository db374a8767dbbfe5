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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner handles detached process spawning for background workers.
type Spawner struct {
	// Env is the environment for spawned processes.
	Env []string
}

// NewSpawner creates a spawner inheriting the current environment.
func NewSpawner() *Spawner {
	return &Spawner{
		Env: os.Environ(),
	}
}

// WithEnv sets the environment for spawned processes.
func (s *Spawner) WithEnv(env []string) *Spawner {
	s.Env = env
	return s
}

// SpawnDetached spawns a detached background process.
// The process:
// - Has a new session ID, so it survives the parent exiting
// - Has stdin closed, stdout/stderr redirected to logPath
//
// Returns the PID of the spawned process.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	cmd.SysProcAttr = &syscall.SysProcAttr{
		// New session, fully detached from the controlling terminal.
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid

	// Don't wait for it; the process is on its own now.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}

	return pid, nil
}
