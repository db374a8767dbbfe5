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

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/overseer-sh/overseer/internal/lifecycle"
	"github.com/overseer-sh/overseer/internal/state"
)

// AgentLockFile is the run marker written while workers are active.
const AgentLockFile = "agents.lock"

// lockStaleAfter bounds how long a lockfile is trusted. A run older
// than this is presumed crashed even if some recorded pid is alive.
const lockStaleAfter = 30 * time.Minute

// AgentLock records one worker run.
type AgentLock struct {
	CreatedAt string   `json:"created_at"`
	PID       int      `json:"pid"`
	PIDs      []int    `json:"pids"`
	TaskCount int      `json:"task_count"`
	Parallel  int      `json:"parallel"`
	Agents    []string `json:"agents"`
}

// AllPIDs returns every recorded worker pid.
func (l *AgentLock) AllPIDs() []int {
	if len(l.PIDs) > 0 {
		return l.PIDs
	}
	if l.PID > 0 {
		return []int{l.PID}
	}
	return nil
}

// IsStale reports whether the run this lock records is over: either the
// lock has aged out, or none of its workers is alive.
func (l *AgentLock) IsStale(now time.Time) bool {
	if created, ok := state.ParseTime(l.CreatedAt); ok {
		if now.Sub(created) > lockStaleAfter {
			return true
		}
	}
	for _, pid := range l.AllPIDs() {
		if lifecycle.IsProcessRunning(pid) {
			return false
		}
	}
	return true
}

func (s *Supervisor) lockPath() string {
	return s.store.Path(AgentLockFile)
}

// readLock returns the current lock, or nil when none exists.
func (s *Supervisor) readLock() (*AgentLock, error) {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agent lock: %w", err)
	}
	var l AgentLock
	if err := json.Unmarshal(data, &l); err != nil {
		// An unreadable lock is treated as stale leftovers.
		return nil, nil
	}
	return &l, nil
}

func (s *Supervisor) writeLock(l *AgentLock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent lock: %w", err)
	}
	if err := os.WriteFile(s.lockPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write agent lock: %w", err)
	}
	return nil
}

func (s *Supervisor) removeLock() error {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove agent lock: %w", err)
	}
	return nil
}
