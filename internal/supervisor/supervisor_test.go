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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/state"
	"github.com/overseer-sh/overseer/pkg/errors"
)

type fakeSpawner struct {
	spawns  []fakeSpawn
	nextPID int
	failOn  string
}

type fakeSpawn struct {
	agentID string
	prompt  string
	logPath string
	pid     int
}

func (f *fakeSpawner) Spawn(agentID, prompt, logPath string) (int, error) {
	if f.failOn == agentID {
		return 0, fmt.Errorf("spawn refused for %s", agentID)
	}
	f.nextPID++
	pid := 900000 + f.nextPID
	f.spawns = append(f.spawns, fakeSpawn{agentID: agentID, prompt: prompt, logPath: logPath, pid: pid})
	return pid, nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *state.Store, *fakeSpawner) {
	t.Helper()
	store := state.New(t.TempDir())
	cfg := config.Default()
	cfg.DataDir = store.DataDir()
	cfg.Worker.LogDir = store.DataDir()
	spawner := &fakeSpawner{}
	return New(store, cfg, spawner, nil), store, spawner
}

func TestAssignTask(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{
		Description: "summarize the inbox",
		AssignedBy:  "cli",
	})
	require.NoError(t, err)
	taskID := result["task_id"].(string)
	assert.True(t, strings.HasPrefix(taskID, "task_"), "task id %q", taskID)

	tasks, err := store.LoadQueue()
	require.NoError(t, err)
	task := tasks[taskID]
	assert.Equal(t, state.TaskQueued, task.Status)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, "cli", task.AssignedBy)
	assert.NotEmpty(t, task.CreatedAt)
}

func TestAssignTaskEmptyDescription(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	_, err := s.AssignTask(AssignRequest{Description: "   "})
	require.Error(t, err)
	_, ok := err.(*errors.ValidationError)
	assert.True(t, ok)
}

func TestBatchAssignRoundRobin(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.BatchAssign(
		[]string{"task a", "task b", "task c", "task d", "task e"},
		AssignRequest{AssignedBy: "cli"},
		3,
	)
	require.NoError(t, err)
	assert.Equal(t, 5, result["count"])
	batchID := result["batch_id"].(string)
	assert.True(t, strings.HasPrefix(batchID, "batch_"))

	tasks, err := store.LoadQueue()
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	agentCounts := map[string]int{}
	for _, task := range tasks {
		assert.Equal(t, batchID, task.BatchID)
		agentCounts[task.AgentID]++
		pos, _ := task.Context["batch_position"].(string)
		assert.Regexp(t, `^\d/5$`, pos)
	}
	// 5 tasks over 3 agents: 2, 2, 1.
	assert.Equal(t, 2, agentCounts["agent_1"])
	assert.Equal(t, 2, agentCounts["agent_2"])
	assert.Equal(t, 1, agentCounts["agent_3"])
}

func TestBatchAssignSequentialLeavesAgentEmpty(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	_, err := s.BatchAssign([]string{"one", "two"}, AssignRequest{}, 1)
	require.NoError(t, err)

	tasks, _ := store.LoadQueue()
	for _, task := range tasks {
		assert.Empty(t, task.AgentID)
	}
}

func TestClaimTasksSharedStart(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	for i := 0; i < 3; i++ {
		_, err := s.AssignTask(AssignRequest{Description: fmt.Sprintf("task %d", i)})
		require.NoError(t, err)
	}

	result, err := s.ClaimTasks("")
	require.NoError(t, err)
	assert.Equal(t, 3, result["count"])

	tasks, _ := store.LoadQueue()
	started := map[string]bool{}
	for _, task := range tasks {
		assert.Equal(t, state.TaskInProgress, task.Status)
		started[task.StartedAt] = true
	}
	assert.Len(t, started, 1, "all claims share one started_at")

	// Nothing left to claim.
	result, err = s.ClaimTasks("")
	require.NoError(t, err)
	assert.Equal(t, 0, result["count"])
}

func TestClaimTasksAgentFilterDisjoint(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	_, err := s.BatchAssign([]string{"a", "b", "c", "d"}, AssignRequest{}, 2)
	require.NoError(t, err)

	first, err := s.ClaimTasks("agent_1")
	require.NoError(t, err)
	second, err := s.ClaimTasks("agent_2")
	require.NoError(t, err)

	assert.Equal(t, 2, first["count"])
	assert.Equal(t, 2, second["count"])

	seen := map[string]bool{}
	for _, id := range first["task_ids"].([]string) {
		seen[id] = true
	}
	for _, id := range second["task_ids"].([]string) {
		assert.False(t, seen[id], "agents must not claim each other's tasks")
	}

	tasks, _ := store.LoadQueue()
	for _, task := range tasks {
		assert.Equal(t, state.TaskInProgress, task.Status)
	}
}

func TestUpdateTaskOnlyWhenQueued(t *testing.T) {
	s, _, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{Description: "original"})
	require.NoError(t, err)
	taskID := result["task_id"].(string)

	_, err = s.UpdateTask(taskID, "revised", "high", nil)
	require.NoError(t, err)

	status, err := s.GetTaskStatus(taskID)
	require.NoError(t, err)
	task := status["task"].(state.Task)
	assert.Equal(t, "revised", task.Description)
	assert.Equal(t, "high", task.Priority)

	_, err = s.ClaimTasks("")
	require.NoError(t, err)

	_, err = s.UpdateTask(taskID, "too late", "", nil)
	require.Error(t, err)
	_, ok := err.(*errors.ValidationError)
	assert.True(t, ok)
}

func TestCancelTask(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{Description: "cancel me"})
	require.NoError(t, err)
	taskID := result["task_id"].(string)

	_, err = s.CancelTask(taskID)
	require.NoError(t, err)

	tasks, _ := store.LoadQueue()
	task := tasks[taskID]
	assert.Equal(t, state.TaskCancelled, task.Status)
	assert.NotEmpty(t, task.CancelledAt)

	_, err = s.CancelTask("task_missing")
	require.Error(t, err)
}

func TestMarkTaskInProgressSeedsStub(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{Description: "work"})
	require.NoError(t, err)
	taskID := result["task_id"].(string)

	_, err = s.MarkTaskInProgress(taskID)
	require.NoError(t, err)

	tasks, _ := store.LoadQueue()
	assert.NotEmpty(t, tasks[taskID].ProcessingStartedAt)
	assert.Equal(t, state.TaskInProgress, tasks[taskID].Status)

	results, _ := store.LoadResults()
	stub := results[taskID]
	assert.Equal(t, state.TaskInProgress, stub.Status)
	assert.Equal(t, "work", stub.Description)
	assert.NotEmpty(t, stub.ProcessingStartedAt)
}

func TestLogTaskCompletion(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{
		Description: "write the weekly blog post for #site-redesign",
		AssignedBy:  "cli",
	})
	require.NoError(t, err)
	taskID := result["task_id"].(string)
	_, err = s.MarkTaskInProgress(taskID)
	require.NoError(t, err)

	completion, err := s.LogTaskCompletion(CompletionRequest{
		TaskID: taskID,
		Status: "completed",
		Output: "post drafted and published",
	})
	require.NoError(t, err)
	assert.Equal(t, state.TaskDone, completion["result"])

	// Gone from the queue.
	tasks, _ := store.LoadQueue()
	assert.NotContains(t, tasks, taskID)

	results, _ := store.LoadResults()
	rec := results[taskID]
	assert.Equal(t, state.TaskDone, rec.Status)
	assert.Equal(t, "post drafted and published", rec.Summary)
	assert.Equal(t, "content", rec.Category)
	assert.Equal(t, []string{"site-redesign"}, rec.ProjectTags)
	assert.GreaterOrEqual(t, rec.ExecutionTime, 0.0)
	assert.NotEmpty(t, rec.CompletedAt)
}

func TestLogTaskCompletionNormalizesStatus(t *testing.T) {
	for in, want := range map[string]string{
		"completed": state.TaskDone,
		"complete":  state.TaskDone,
		"done":      state.TaskDone,
		"crashed":   state.TaskError,
		"failed":    state.TaskError,
	} {
		assert.Equal(t, want, normalizeStatus(in), "input %q", in)
	}
}

func TestLogTaskCompletionUnknownTask(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	_, err := s.LogTaskCompletion(CompletionRequest{TaskID: "task_ghost", Status: "done"})
	require.Error(t, err)
	_, ok := err.(*errors.NotFoundError)
	assert.True(t, ok)
}

func TestSummaryTruncation(t *testing.T) {
	long := strings.Repeat("x", 250)
	assert.Len(t, summarize("", long), 100)
	assert.Equal(t, "short", summarize("short", long))
}

func TestArchiveOverflowKeepsNewestTen(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	for i := 0; i < 13; i++ {
		result, err := s.AssignTask(AssignRequest{Description: fmt.Sprintf("job %02d", i)})
		require.NoError(t, err)
		taskID := result["task_id"].(string)
		_, err = s.LogTaskCompletion(CompletionRequest{
			TaskID: taskID,
			Status: "done",
			Output: fmt.Sprintf("finished job %02d", i),
		})
		require.NoError(t, err)
	}

	results, err := store.LoadResults()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), MaxRetainedResults)

	archive, err := os.ReadFile(filepath.Join(store.DataDir(), state.ArchiveFile))
	require.NoError(t, err)
	lines := 0
	for _, line := range strings.Split(strings.TrimSpace(string(archive)), "\n") {
		var rec state.TaskResult
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		lines++
	}
	assert.Equal(t, 13-MaxRetainedResults, lines)
}

func TestRequestOutputWritten(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{
		Description: "synchronous request",
		RequestID:   "req_42",
	})
	require.NoError(t, err)
	taskID := result["task_id"].(string)

	_, err = s.LogTaskCompletion(CompletionRequest{
		TaskID: taskID,
		Status: "done",
		Output: "the answer",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.DataDir(), state.ResultOutputDir, "req_42.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "complete", doc["status"])
	assert.Equal(t, taskID, doc["type"])
	assert.Equal(t, "the answer", doc["output"])
}

func TestTelemetrySidecarMerged(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	result, err := s.AssignTask(AssignRequest{Description: "instrumented work"})
	require.NoError(t, err)
	taskID := result["task_id"].(string)

	sidecarDir := filepath.Join(store.DataDir(), "telemetry")
	require.NoError(t, os.MkdirAll(sidecarDir, 0o755))
	sidecar := filepath.Join(sidecarDir, taskID+".json")
	require.NoError(t, os.WriteFile(sidecar, []byte(
		`{"tokens":{"input":120,"output":45,"total":165},"tool":"mailer","action":"send"}`), 0o644))

	_, err = s.LogTaskCompletion(CompletionRequest{TaskID: taskID, Status: "done"})
	require.NoError(t, err)

	results, _ := store.LoadResults()
	rec := results[taskID]
	assert.Equal(t, "mailer", rec.Tool)
	assert.Equal(t, "send", rec.Action)
	assert.Equal(t, float64(165), rec.Tokens["total"])

	_, err = os.Stat(sidecar)
	assert.True(t, os.IsNotExist(err), "sidecar must be deleted after merge")
}

func TestGetRecentTasks(t *testing.T) {
	s, _, _ := newTestSupervisor(t)

	for i := 0; i < 4; i++ {
		result, err := s.AssignTask(AssignRequest{Description: fmt.Sprintf("job %d", i)})
		require.NoError(t, err)
		_, err = s.LogTaskCompletion(CompletionRequest{
			TaskID: result["task_id"].(string),
			Status: "done",
		})
		require.NoError(t, err)
	}

	recent, err := s.GetRecentTasks(2)
	require.NoError(t, err)
	assert.Equal(t, 2, recent["count"])
}

func TestExecuteQueueParallelBuckets(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	_, err := s.BatchAssign([]string{"a", "b", "c", "d", "e"}, AssignRequest{}, 3)
	require.NoError(t, err)

	result, err := s.ExecuteQueue(3, "")
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, 5, result["task_count"])
	assert.Equal(t, []string{"agent_1", "agent_2", "agent_3"}, result["agents"])

	require.Len(t, spawner.spawns, 3)
	for _, spawn := range spawner.spawns {
		assert.Contains(t, spawn.prompt, spawn.agentID, "prompt must scope the worker to its agent")
		assert.Contains(t, spawn.logPath, spawn.agentID)
	}
}

func TestExecuteQueueSingleMode(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	_, err := s.AssignTask(AssignRequest{Description: "solo"})
	require.NoError(t, err)

	result, err := s.ExecuteQueue(1, "")
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
	require.Len(t, spawner.spawns, 1)
	assert.Equal(t, DefaultAgentID, spawner.spawns[0].agentID)
	assert.Contains(t, spawner.spawns[0].prompt, "Claim all queued tasks")
}

func TestExecuteQueueTargetsOneAgent(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	_, err := s.BatchAssign([]string{"a", "b", "c", "d", "e"}, AssignRequest{}, 3)
	require.NoError(t, err)

	result, err := s.ExecuteQueue(1, "agent_2")
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, 2, result["task_count"])
	assert.Equal(t, []string{"agent_2"}, result["agents"])

	require.Len(t, spawner.spawns, 1)
	assert.Equal(t, "agent_2", spawner.spawns[0].agentID)
	assert.Contains(t, spawner.spawns[0].prompt, "agent_2")
}

func TestExecuteQueueEmpty(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	result, err := s.ExecuteQueue(2, "")
	require.NoError(t, err)
	assert.Equal(t, 0, result["task_count"])
	assert.Empty(t, spawner.spawns)
}

func TestExecuteQueueRefusesNested(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	t.Setenv(AgentEnvVar, "agent_1")

	_, err := s.ExecuteQueue(1, "")
	assert.ErrorIs(t, err, ErrNestedSpawn)
}

func TestExecuteQueueAlreadyRunning(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	// A fresh lock naming a live pid blocks a second run.
	require.NoError(t, s.writeLock(&AgentLock{
		CreatedAt: state.Now(),
		PID:       os.Getpid(),
		PIDs:      []int{os.Getpid()},
	}))

	_, err := s.AssignTask(AssignRequest{Description: "blocked"})
	require.NoError(t, err)

	result, err := s.ExecuteQueue(1, "")
	require.NoError(t, err)
	assert.Equal(t, "already_running", result["status"])
	assert.Empty(t, spawner.spawns)
}

func TestExecuteQueueReclaimsStaleLock(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	// Aged-out lock, even with a live pid, is reclaimed.
	old := time.Now().Add(-31 * time.Minute).UTC().Format(time.RFC3339)
	require.NoError(t, s.writeLock(&AgentLock{
		CreatedAt: old,
		PID:       os.Getpid(),
		PIDs:      []int{os.Getpid()},
	}))

	_, err := s.AssignTask(AssignRequest{Description: "reclaim"})
	require.NoError(t, err)

	result, err := s.ExecuteQueue(1, "")
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
	require.Len(t, spawner.spawns, 1)
}

func TestExecuteQueueReclaimsDeadPidLock(t *testing.T) {
	s, _, spawner := newTestSupervisor(t)

	require.NoError(t, s.writeLock(&AgentLock{
		CreatedAt: state.Now(),
		PIDs:      []int{999999991, 999999992},
	}))

	_, err := s.AssignTask(AssignRequest{Description: "reclaim"})
	require.NoError(t, err)

	result, err := s.ExecuteQueue(1, "")
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
	require.Len(t, spawner.spawns, 1)
}

func TestKillAgents(t *testing.T) {
	s, store, _ := newTestSupervisor(t)

	require.NoError(t, s.writeLock(&AgentLock{
		CreatedAt: state.Now(),
		PIDs:      []int{999999991},
	}))

	result, err := s.KillAgents()
	require.NoError(t, err)
	assert.Equal(t, []int{}, result["killed"])
	assert.Equal(t, []int{999999991}, result["already_dead"])

	_, err = os.Stat(filepath.Join(store.DataDir(), AgentLockFile))
	assert.True(t, os.IsNotExist(err), "lockfile must be removed")
}

func TestKillAgentsNoLock(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	result, err := s.KillAgents()
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])
}
