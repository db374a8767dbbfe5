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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/lifecycle"
	"github.com/overseer-sh/overseer/internal/state"
	"github.com/overseer-sh/overseer/pkg/errors"
)

// AgentEnvVar marks a process as a spawned worker. Workers must never
// spawn workers of their own.
const AgentEnvVar = "OVERSEER_AGENT"

// ErrNestedSpawn is returned when a worker tries to execute the queue.
var ErrNestedSpawn = fmt.Errorf("execute_queue is not available inside a worker agent")

// DefaultAgentID buckets tasks that were assigned without an agent.
const DefaultAgentID = "agent_1"

// Spawner starts one worker agent. The production implementation runs
// the configured worker command detached; tests substitute a fake.
type Spawner interface {
	Spawn(agentID, prompt, logPath string) (int, error)
}

// WorkerSpawner runs the configured worker command via detached spawn,
// with the worker marker set and the prompt as the final argument.
type WorkerSpawner struct {
	Worker config.WorkerConfig
}

// Spawn implements Spawner.
func (w *WorkerSpawner) Spawn(agentID, prompt, logPath string) (int, error) {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, AgentEnvVar+"=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, AgentEnvVar+"="+agentID)

	args := append(append([]string{}, w.Worker.Command[1:]...), prompt)
	return lifecycle.NewSpawner().WithEnv(env).SpawnDetached(w.Worker.Command[0], args, logPath)
}

// ExecuteQueue spawns workers for the queued tasks. Parallel mode
// buckets tasks by their assigned agent and starts one worker per
// bucket, capped at the configured maximum. A non-empty agentID limits
// the run to that agent's tasks.
func (s *Supervisor) ExecuteQueue(parallel int, agentID string) (map[string]any, error) {
	if os.Getenv(AgentEnvVar) != "" {
		return nil, ErrNestedSpawn
	}
	if s.spawner == nil {
		return nil, &errors.ConfigError{Key: "worker.command", Reason: "no spawner configured"}
	}

	if existing, err := s.readLock(); err != nil {
		return nil, err
	} else if existing != nil {
		if !existing.IsStale(s.clock()) {
			return map[string]any{
				"status":     "already_running",
				"created_at": existing.CreatedAt,
				"pids":       existing.AllPIDs(),
			}, nil
		}
		s.logger.Warn("removing stale agent lock", "created_at", existing.CreatedAt)
		if err := s.removeLock(); err != nil {
			return nil, err
		}
	}

	if parallel < 1 {
		parallel = 1
	}
	if parallel > s.cfg.MaxParallelAgents {
		parallel = s.cfg.MaxParallelAgents
	}

	tasks, err := s.store.LoadQueue()
	if err != nil {
		return nil, err
	}

	targeted := agentID != ""
	buckets := make(map[string]int)
	total := 0
	for _, task := range tasks {
		if task.Status != state.TaskQueued {
			continue
		}
		id := task.AgentID
		if id == "" || (parallel == 1 && !targeted) {
			id = DefaultAgentID
		}
		if targeted && id != agentID {
			continue
		}
		buckets[id]++
		total++
	}
	if total == 0 {
		return map[string]any{"status": "success", "task_count": 0, "agents": []string{}}, nil
	}

	agents := make([]string, 0, len(buckets))
	for agentID := range buckets {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	if len(agents) > s.cfg.MaxParallelAgents {
		agents = agents[:s.cfg.MaxParallelAgents]
	}

	var pids []int
	for _, agentID := range agents {
		logPath := filepath.Join(s.cfg.Worker.LogDir, fmt.Sprintf("%s.log", agentID))
		pid, err := s.spawner.Spawn(agentID, s.workerPrompt(agentID, parallel > 1 || targeted), logPath)
		if err != nil {
			// Abort the run; whoever did start keeps working.
			for _, p := range pids {
				lifecycle.Kill(p)
			}
			return nil, fmt.Errorf("failed to spawn worker %s: %w", agentID, err)
		}
		pids = append(pids, pid)
		recordAgentSpawned()
		s.logger.Info("worker spawned",
			slog.String("agent_id", agentID),
			"pid", pid,
			"tasks", buckets[agentID],
		)
	}

	lock := &AgentLock{
		CreatedAt: state.Now(),
		PID:       pids[0],
		PIDs:      pids,
		TaskCount: total,
		Parallel:  len(agents),
		Agents:    agents,
	}
	if err := s.writeLock(lock); err != nil {
		return nil, err
	}

	return map[string]any{
		"status":     "success",
		"task_count": total,
		"agents":     agents,
		"pids":       pids,
		"parallel":   len(agents),
	}, nil
}

// workerPrompt is the instruction handed to a spawned worker.
func (s *Supervisor) workerPrompt(agentID string, parallel bool) string {
	var b strings.Builder
	b.WriteString("Process the overseer task queue. ")
	if parallel {
		fmt.Fprintf(&b, "Claim only tasks assigned to %s. ", agentID)
	} else {
		b.WriteString("Claim all queued tasks. ")
	}
	b.WriteString("For each task: mark it in progress, do the work, ")
	b.WriteString("then log its completion with a summary of what was done. ")
	b.WriteString("Stop when no queued tasks remain.")
	return b.String()
}

// KillAgents terminates every worker recorded in the lockfile and
// removes it.
func (s *Supervisor) KillAgents() (map[string]any, error) {
	lock, err := s.readLock()
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return map[string]any{"status": "success", "killed": []int{}, "already_dead": []int{}}, nil
	}

	killed := []int{}
	alreadyDead := []int{}
	for _, pid := range lock.AllPIDs() {
		if err := lifecycle.Kill(pid); err != nil {
			alreadyDead = append(alreadyDead, pid)
			continue
		}
		killed = append(killed, pid)
		s.logger.Info("worker killed", "pid", pid)
	}

	if err := s.removeLock(); err != nil {
		return nil, err
	}
	return map[string]any{
		"status":       "success",
		"killed":       killed,
		"already_dead": alreadyDead,
	}, nil
}
