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
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/overseer-sh/overseer/internal/state"
	"github.com/overseer-sh/overseer/pkg/errors"
)

// MaxRetainedResults caps the results document; older completions move
// to the JSONL archive.
const MaxRetainedResults = 10

// summaryLength is how much of the output the summary keeps.
const summaryLength = 100

// projectTagPattern extracts #tag references from task descriptions.
var projectTagPattern = regexp.MustCompile(`#([\w-]+)`)

// tagAliases normalizes shorthand tags to their canonical names.
var tagAliases = map[string]string{
	"blog":  "blogs",
	"mail":  "email",
	"daily": "dailies",
}

// CompletionRequest carries the parameters of a completion report.
type CompletionRequest struct {
	TaskID  string
	Status  string
	Summary string
	Output  string
}

// LogTaskCompletion finalizes a task: it leaves the queue, a completion
// record enters the results document, overflow is archived, and any
// request file or telemetry sidecar is handled.
func (s *Supervisor) LogTaskCompletion(req CompletionRequest) (map[string]any, error) {
	status := normalizeStatus(req.Status)

	var task state.Task
	found := false
	err := s.store.UpdateQueue(func(tasks map[string]state.Task) error {
		t, ok := tasks[req.TaskID]
		if !ok {
			return nil
		}
		found = true
		task = t
		delete(tasks, req.TaskID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var stub state.TaskResult
	haveStub := false
	if results, err := s.store.LoadResults(); err == nil {
		stub, haveStub = results[req.TaskID]
	}

	if !found && !haveStub {
		return nil, &errors.NotFoundError{Resource: "task", ID: req.TaskID}
	}
	if !found && haveStub {
		// Queue entry already gone; fall back to the stub's metadata.
		task = state.Task{
			Description:         stub.Description,
			ProcessingStartedAt: stub.ProcessingStartedAt,
			AgentID:             stub.AgentID,
			BatchID:             stub.BatchID,
		}
	}

	completedAt := state.Now()
	result := state.TaskResult{
		TaskID:        req.TaskID,
		Status:        status,
		Summary:       summarize(req.Summary, req.Output),
		Output:        req.Output,
		Description:   task.Description,
		CompletedAt:   completedAt,
		ExecutionTime: s.executionSeconds(task, completedAt),
		AssignedBy:    task.AssignedBy,
		AgentID:       task.AgentID,
		BatchID:       task.BatchID,
		BatchPosition: batchPosition(task),
		Category:      inferCategory(req.TaskID, task.Description),
		Tags:          normalizeTags(projectTags(task.Description)),
		ProjectTags:   projectTags(task.Description),
	}
	s.mergeTelemetry(&result)

	err = s.store.UpdateResults(func(results map[string]state.TaskResult) error {
		results[req.TaskID] = result
		return s.archiveOverflow(results)
	})
	if err != nil {
		return nil, err
	}

	if task.RequestID != "" {
		if err := s.writeRequestOutput(task.RequestID, req.TaskID, req.Output); err != nil {
			s.logger.Error("failed to write request output",
				slog.String("task_id", req.TaskID), "error", err)
		}
	}

	s.logger.Info("task completed",
		slog.String("task_id", req.TaskID),
		"result", status,
	)
	recordTaskCompleted(status)
	return map[string]any{
		"status":  "success",
		"task_id": req.TaskID,
		"result":  status,
	}, nil
}

// normalizeStatus folds completion spellings into done; anything else
// is an error outcome.
func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "done", "success":
		return state.TaskDone
	default:
		return state.TaskError
	}
}

func summarize(summary, output string) string {
	if summary != "" {
		if len(summary) > summaryLength {
			return summary[:summaryLength]
		}
		return summary
	}
	if len(output) > summaryLength {
		return output[:summaryLength]
	}
	return output
}

// executionSeconds prefers the moment work actually started over claim
// and creation times.
func (s *Supervisor) executionSeconds(task state.Task, completedAt string) float64 {
	end, ok := state.ParseTime(completedAt)
	if !ok {
		return 0
	}
	for _, ts := range []string{task.ProcessingStartedAt, task.StartedAt, task.CreatedAt} {
		if ts == "" {
			continue
		}
		if start, ok := state.ParseTime(ts); ok {
			return end.Sub(start).Seconds()
		}
	}
	return 0
}

func batchPosition(task state.Task) string {
	if task.Context == nil {
		return ""
	}
	pos, _ := task.Context["batch_position"].(string)
	return pos
}

// inferCategory buckets a completion for later querying.
func inferCategory(taskID, description string) string {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "blog") || strings.Contains(desc, "chronicle"):
		return "content"
	case strings.Contains(desc, "email") || strings.Contains(desc, "inbox"):
		return "email"
	case strings.Contains(desc, "outline"):
		return "docs"
	case strings.Contains(desc, "automation") || strings.Contains(desc, "rule"):
		return "automation"
	case strings.Contains(strings.ToLower(taskID), "test"):
		return "testing"
	default:
		return "general"
	}
}

func projectTags(description string) []string {
	var tags []string
	for _, m := range projectTagPattern.FindAllStringSubmatch(description, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if canonical, ok := tagAliases[tag]; ok {
			tag = canonical
		}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// archiveOverflow keeps the newest MaxRetainedResults completions and
// appends the rest to the archive. In-progress stubs are never
// archived.
func (s *Supervisor) archiveOverflow(results map[string]state.TaskResult) error {
	var completed []state.TaskResult
	for _, r := range results {
		if r.Status == state.TaskInProgress {
			continue
		}
		completed = append(completed, r)
	}
	if len(completed) <= MaxRetainedResults {
		return nil
	}

	sort.Slice(completed, func(i, j int) bool {
		return completed[i].CompletedAt > completed[j].CompletedAt
	})

	overflow := completed[MaxRetainedResults:]
	if err := s.store.AppendArchive(overflow); err != nil {
		return fmt.Errorf("failed to archive results: %w", err)
	}
	for _, r := range overflow {
		delete(results, r.TaskID)
	}
	s.logger.Info("archived results", "count", len(overflow))
	return nil
}

// writeRequestOutput drops the completion where a synchronous caller is
// polling for it.
func (s *Supervisor) writeRequestOutput(requestID, taskID, output string) error {
	dir := s.store.Path(state.ResultOutputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc := map[string]any{
		"status": "complete",
		"type":   taskID,
		"output": output,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, requestID+".json"), data, 0o644)
}

// mergeTelemetry folds a worker's telemetry sidecar into the result and
// removes the sidecar.
func (s *Supervisor) mergeTelemetry(result *state.TaskResult) {
	path := s.store.Path(filepath.Join("telemetry", result.TaskID+".json"))
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var telemetry struct {
		Tokens map[string]any `json:"tokens"`
		Tool   string         `json:"tool"`
		Action string         `json:"action"`
	}
	if err := json.Unmarshal(data, &telemetry); err != nil {
		s.logger.Warn("unreadable telemetry sidecar",
			slog.String("task_id", result.TaskID), "error", err)
		return
	}

	result.Tokens = telemetry.Tokens
	result.Tool = telemetry.Tool
	result.Action = telemetry.Action
	if err := os.Remove(path); err != nil {
		s.logger.Warn("failed to remove telemetry sidecar",
			slog.String("task_id", result.TaskID), "error", err)
	}
}

// GetResult returns one completion record.
func (s *Supervisor) GetResult(taskID string) (map[string]any, error) {
	results, err := s.store.LoadResults()
	if err != nil {
		return nil, err
	}
	result, ok := results[taskID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "result", ID: taskID}
	}
	return map[string]any{"task_id": taskID, "result": result}, nil
}

// GetResults returns the retained completion records.
func (s *Supervisor) GetResults() (map[string]any, error) {
	results, err := s.store.LoadResults()
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

// GetRecentTasks returns the newest completions, newest first.
func (s *Supervisor) GetRecentTasks(limit int) (map[string]any, error) {
	results, err := s.store.LoadResults()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = MaxRetainedResults
	}

	recent := make([]state.TaskResult, 0, len(results))
	for _, r := range results {
		recent = append(recent, r)
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].CompletedAt > recent[j].CompletedAt
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return map[string]any{"tasks": recent, "count": len(recent)}, nil
}
