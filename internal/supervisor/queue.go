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

// Package supervisor manages the agent task queue: assignment,
// claiming, completion logging, and bounded worker spawning.
package supervisor

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/state"
	"github.com/overseer-sh/overseer/pkg/errors"
)

// DefaultPriority applies when an assignment names none.
const DefaultPriority = "medium"

// Supervisor owns the task queue and its worker agents.
type Supervisor struct {
	store   *state.Store
	cfg     *config.Config
	logger  *slog.Logger
	spawner Spawner

	clock func() time.Time
}

// New creates a supervisor. The spawner may be nil when only queue
// operations are used.
func New(store *state.Store, cfg *config.Config, spawner Spawner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		spawner: spawner,
		clock:   time.Now,
	}
}

// newTaskID builds a sortable unique task id.
func (s *Supervisor) newTaskID() string {
	return fmt.Sprintf("task_%s_%s",
		s.clock().UTC().Format("20060102_150405"),
		uuid.NewString()[:8],
	)
}

func (s *Supervisor) newBatchID() string {
	return fmt.Sprintf("batch_%s_%s",
		s.clock().UTC().Format("20060102_150405"),
		uuid.NewString()[:8],
	)
}

// AssignRequest carries the parameters of a task assignment.
type AssignRequest struct {
	Description string
	Context     map[string]any
	Priority    string
	AssignedBy  string
	BatchID     string
	AgentID     string
	RequestID   string
}

// AssignTask enqueues one task and returns its generated id.
func (s *Supervisor) AssignTask(req AssignRequest) (map[string]any, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, &errors.ValidationError{Field: "description", Message: "must not be empty"}
	}

	priority := req.Priority
	if priority == "" {
		priority = DefaultPriority
	}

	taskID := s.newTaskID()
	task := state.Task{
		Status:      state.TaskQueued,
		CreatedAt:   state.Now(),
		AssignedBy:  req.AssignedBy,
		Priority:    priority,
		Description: req.Description,
		Context:     req.Context,
		BatchID:     req.BatchID,
		AgentID:     req.AgentID,
		RequestID:   req.RequestID,
	}

	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		tasks[taskID] = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task assigned",
		slog.String("task_id", taskID),
		slog.String("priority", priority),
	)
	recordTaskAssigned()
	return map[string]any{"status": "success", "task_id": taskID}, nil
}

// BatchAssign enqueues several tasks under one batch id. When parallel
// is above one, tasks round-robin across agent_1..agent_n so a parallel
// execute can bucket them.
func (s *Supervisor) BatchAssign(descriptions []string, req AssignRequest, parallel int) (map[string]any, error) {
	if len(descriptions) == 0 {
		return nil, &errors.ValidationError{Field: "tasks", Message: "must not be empty"}
	}
	if parallel < 1 {
		parallel = 1
	}
	if parallel > s.cfg.MaxParallelAgents {
		parallel = s.cfg.MaxParallelAgents
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = s.newBatchID()
	}
	priority := req.Priority
	if priority == "" {
		priority = DefaultPriority
	}

	taskIDs := make([]string, 0, len(descriptions))
	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		for i, desc := range descriptions {
			if strings.TrimSpace(desc) == "" {
				return &errors.ValidationError{
					Field:   "tasks",
					Message: fmt.Sprintf("task %d has an empty description", i),
				}
			}
			taskID := s.newTaskID()
			// IDs collide within one clock second; suffix with index.
			if _, exists := tasks[taskID]; exists {
				taskID = fmt.Sprintf("%s_%d", taskID, i)
			}

			agentID := ""
			if parallel > 1 {
				agentID = fmt.Sprintf("agent_%d", i%parallel+1)
			}

			ctx := make(map[string]any, len(req.Context)+1)
			for k, v := range req.Context {
				ctx[k] = v
			}
			ctx["batch_position"] = fmt.Sprintf("%d/%d", i+1, len(descriptions))

			tasks[taskID] = state.Task{
				Status:      state.TaskQueued,
				CreatedAt:   state.Now(),
				AssignedBy:  req.AssignedBy,
				Priority:    priority,
				Description: desc,
				Context:     ctx,
				BatchID:     batchID,
				AgentID:     agentID,
			}
			taskIDs = append(taskIDs, taskID)
			recordTaskAssigned()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch assigned",
		"batch_id", batchID,
		"count", len(taskIDs),
		"parallel", parallel,
	)
	return map[string]any{
		"status":   "success",
		"batch_id": batchID,
		"task_ids": taskIDs,
		"count":    len(taskIDs),
	}, nil
}

// UpdateTask edits a task that has not been claimed yet.
func (s *Supervisor) UpdateTask(taskID, description, priority string, context map[string]any) (map[string]any, error) {
	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		task, ok := tasks[taskID]
		if !ok {
			return &errors.NotFoundError{Resource: "task", ID: taskID}
		}
		if task.Status != state.TaskQueued {
			return &errors.ValidationError{
				Field:   "task_id",
				Message: fmt.Sprintf("task %s is %s; only queued tasks can be updated", taskID, task.Status),
			}
		}
		if description != "" {
			task.Description = description
		}
		if priority != "" {
			task.Priority = priority
		}
		if context != nil {
			task.Context = context
		}
		task.UpdatedAt = state.Now()
		tasks[taskID] = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "task_id": taskID}, nil
}

// CancelTask cancels a task that has not finished.
func (s *Supervisor) CancelTask(taskID string) (map[string]any, error) {
	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		task, ok := tasks[taskID]
		if !ok {
			return &errors.NotFoundError{Resource: "task", ID: taskID}
		}
		if task.Status == state.TaskDone || task.Status == state.TaskError {
			return &errors.ValidationError{
				Field:   "task_id",
				Message: fmt.Sprintf("task %s already finished as %s", taskID, task.Status),
			}
		}
		task.Status = state.TaskCancelled
		task.CancelledAt = state.Now()
		task.UpdatedAt = task.CancelledAt
		tasks[taskID] = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task cancelled", slog.String("task_id", taskID))
	return map[string]any{"status": "success", "task_id": taskID}, nil
}

// ClaimTasks moves every queued task (optionally filtered to one agent)
// to in_progress and returns them. All tasks claimed together share one
// started_at, so batch timing is coherent.
func (s *Supervisor) ClaimTasks(agentID string) (map[string]any, error) {
	claimed := make(map[string]state.Task)
	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		startedAt := state.Now()
		for id, task := range tasks {
			if task.Status != state.TaskQueued {
				continue
			}
			if agentID != "" && task.AgentID != agentID {
				continue
			}
			task.Status = state.TaskInProgress
			task.StartedAt = startedAt
			task.UpdatedAt = startedAt
			tasks[id] = task
			claimed[id] = task
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(claimed))
	out := make(map[string]any, len(claimed))
	for id, task := range claimed {
		ids = append(ids, id)
		out[id] = task
	}
	sort.Strings(ids)

	s.logger.Info("tasks claimed", "count", len(ids), slog.String("agent_id", agentID))
	return map[string]any{
		"status":   "success",
		"task_ids": ids,
		"tasks":    out,
		"count":    len(ids),
	}, nil
}

// MarkTaskInProgress stamps the moment actual work began on a task and
// seeds a stub result, so execution time survives even if the queue
// entry is lost before completion.
func (s *Supervisor) MarkTaskInProgress(taskID string) (map[string]any, error) {
	var task state.Task
	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		t, ok := tasks[taskID]
		if !ok {
			return &errors.NotFoundError{Resource: "task", ID: taskID}
		}
		now := state.Now()
		t.ProcessingStartedAt = now
		t.UpdatedAt = now
		if t.Status == state.TaskQueued {
			t.Status = state.TaskInProgress
			t.StartedAt = now
		}
		tasks[taskID] = t
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.store.UpdateResults(func(results map[string]state.TaskResult) error {
		results[taskID] = state.TaskResult{
			TaskID:              taskID,
			Status:              state.TaskInProgress,
			Description:         task.Description,
			ProcessingStartedAt: task.ProcessingStartedAt,
			AgentID:             task.AgentID,
			BatchID:             task.BatchID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "task_id": taskID}, nil
}

// GetTaskStatus returns one task from the queue.
func (s *Supervisor) GetTaskStatus(taskID string) (map[string]any, error) {
	tasks, err := s.store.LoadQueue()
	if err != nil {
		return nil, err
	}
	task, ok := tasks[taskID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	return map[string]any{"task_id": taskID, "task": task}, nil
}

// GetQueueStatus summarizes the queue by status.
func (s *Supervisor) GetQueueStatus() (map[string]any, error) {
	tasks, err := s.store.LoadQueue()
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, task := range tasks {
		counts[task.Status]++
	}
	return map[string]any{
		"tasks":  tasks,
		"counts": counts,
		"count":  len(tasks),
	}, nil
}
