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

// Package state defines the persisted document types and the Store that
// reads and writes them under advisory locks.
package state

import (
	"encoding/json"
	"time"
)

// Entry statuses within a watched entry file. An entry whose status is
// one of the terminal values is never picked up again by the engine.
const (
	StatusQueued            = "queued"
	StatusProcessing        = "processing"
	StatusProcessed         = "processed"
	StatusFailed            = "failed"
	StatusTimeoutFailed     = "timeout_failed"
	StatusPermanentlyFailed = "permanently_failed"
)

// Task statuses in the supervisor queue.
const (
	TaskQueued     = "queued"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskError      = "error"
	TaskCancelled  = "cancelled"
)

// Trigger types recognized by the engine.
const (
	TriggerEntryAdded   = "entry_added"
	TriggerEntryUpdated = "entry_updated"
	TriggerTime         = "time"
	TriggerInterval     = "interval"
	TriggerManual       = "manual"
)

// Execution result values recorded in history.
const (
	ResultSuccess       = "success"
	ResultFailed        = "failed"
	ResultTimeoutFailed = "timeout_failed"
	ResultError         = "error"
)

// Entry is a single record in a watched entry file. Entries are
// schemaless; the engine only interprets a handful of well-known keys.
type Entry map[string]any

// Status returns the entry's status field, or "" when absent.
func (e Entry) Status() string {
	s, _ := e["status"].(string)
	return s
}

// IsTerminal reports whether the entry's status means the engine must
// not act on it again.
func (e Entry) IsTerminal() bool {
	switch e.Status() {
	case StatusProcessed, StatusProcessing, StatusFailed, StatusTimeoutFailed, StatusPermanentlyFailed:
		return true
	}
	return false
}

// Trigger describes when a rule fires.
type Trigger struct {
	// Type is one of the Trigger* constants.
	Type string `json:"type"`

	// File is the watched entry file, for entry_added/entry_updated.
	File string `json:"file,omitempty"`

	// EventType names an event-type predicate applied before the rule
	// condition, for entry_updated triggers.
	EventType string `json:"event_type,omitempty"`

	// At is an HH:MM wall-clock time, for time triggers.
	At string `json:"at,omitempty"`

	// Daily is an alternate spelling of At kept for rule compatibility.
	Daily string `json:"daily,omitempty"`

	// Minutes is the cadence for interval triggers.
	Minutes int `json:"minutes,omitempty"`
}

// ClockTime returns the HH:MM a time trigger fires at, preferring At.
func (t Trigger) ClockTime() string {
	if t.At != "" {
		return t.At
	}
	return t.Daily
}

// Step is one unit of a workflow. Type selects between a plain tool
// call ("action", the default) and a "foreach" fan-out over an array.
type Step struct {
	Type    string         `json:"type,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Name    string         `json:"action,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout int            `json:"timeout,omitempty"`

	// Array is the dotted path to the collection, for foreach steps.
	Array string `json:"array,omitempty"`

	// Steps are the sub-steps run per item, for foreach steps.
	Steps []Step `json:"steps,omitempty"`
}

// ActionSpec is what a rule executes when it fires: a single tool call
// or, when Steps is set, a sequential workflow.
type ActionSpec struct {
	Tool    string         `json:"tool,omitempty"`
	Name    string         `json:"action,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout int            `json:"timeout,omitempty"`
	Steps   []Step         `json:"steps,omitempty"`
}

// PostAction runs after the main action succeeds, once per item of a
// collection taken from the action result.
type PostAction struct {
	// ForEach is the result key holding the collection to iterate.
	ForEach string `json:"for_each,omitempty"`

	// Condition optionally filters items before the action runs.
	Condition string `json:"condition,omitempty"`

	Action ActionSpec `json:"action"`
}

// Rule is the typed view of an automation rule. Rules are persisted as
// raw maps so unknown keys survive a round trip; DecodeRule produces
// this view for execution.
type Rule struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Trigger     Trigger        `json:"trigger"`
	Condition   string         `json:"condition,omitempty"`
	Action      ActionSpec     `json:"action"`
	PostActions []PostAction   `json:"post_actions,omitempty"`
	Timeout     int            `json:"timeout,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	RetryDelay  int            `json:"retry_delay_minutes,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// IsEnabled reports whether the rule should run. Rules are enabled
// unless explicitly disabled.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// HistoryRecord is one line of the execution history log.
type HistoryRecord struct {
	Timestamp  string `json:"timestamp"`
	RuleID     string `json:"rule_id"`
	Trigger    string `json:"trigger"`
	EntryID    string `json:"entry_id,omitempty"`
	Action     string `json:"action"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
}

// Task is a unit of work in the supervisor queue.
type Task struct {
	Status                string         `json:"status"`
	CreatedAt             string         `json:"created_at"`
	StartedAt             string         `json:"started_at,omitempty"`
	ProcessingStartedAt   string         `json:"processing_started_at,omitempty"`
	UpdatedAt             string         `json:"updated_at,omitempty"`
	CancelledAt           string         `json:"cancelled_at,omitempty"`
	AssignedBy            string         `json:"assigned_by,omitempty"`
	Priority              string         `json:"priority,omitempty"`
	Description           string         `json:"description"`
	Context               map[string]any `json:"context,omitempty"`
	BatchID               string         `json:"batch_id,omitempty"`
	AgentID               string         `json:"agent_id,omitempty"`
	RequestID             string         `json:"request_id,omitempty"`
	OriginalAssignedBy    string         `json:"original_assigned_by,omitempty"`
	CancellationRequested bool           `json:"cancellation_requested,omitempty"`
}

// TaskResult is the completion record kept in the results document and
// archived to JSONL when the document is trimmed.
type TaskResult struct {
	TaskID              string         `json:"task_id"`
	Status              string         `json:"status"`
	Summary             string         `json:"summary,omitempty"`
	Output              string         `json:"output,omitempty"`
	Description         string         `json:"description,omitempty"`
	CompletedAt         string         `json:"completed_at,omitempty"`
	ProcessingStartedAt string         `json:"processing_started_at,omitempty"`
	ExecutionTime       float64        `json:"execution_time_seconds,omitempty"`
	AssignedBy          string         `json:"assigned_by,omitempty"`
	AgentID             string         `json:"agent_id,omitempty"`
	BatchID             string         `json:"batch_id,omitempty"`
	BatchPosition       string         `json:"batch_position,omitempty"`
	Category            string         `json:"category,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	ProjectTags         []string       `json:"project_tags,omitempty"`
	Tool                string         `json:"tool,omitempty"`
	Action              string         `json:"action,omitempty"`
	Tokens              map[string]any `json:"tokens,omitempty"`
}

// EngineState is the engine's memory between polls: the last observed
// snapshot of every watched file plus trigger dedup bookkeeping. The
// document keeps file paths as top-level keys alongside the two
// execution maps, so marshaling is custom.
type EngineState struct {
	// Snapshots maps watched file path to the entries seen last poll.
	Snapshots map[string]map[string]Entry

	// IntervalExecutions maps rule key to the RFC3339 time it last fired.
	IntervalExecutions map[string]string

	// TimeExecutions maps rule key to the HH:MM it last fired at, so a
	// time trigger fires at most once per matching minute.
	TimeExecutions map[string]string
}

// NewEngineState returns an empty EngineState with maps allocated.
func NewEngineState() *EngineState {
	return &EngineState{
		Snapshots:          make(map[string]map[string]Entry),
		IntervalExecutions: make(map[string]string),
		TimeExecutions:     make(map[string]string),
	}
}

const (
	intervalExecutionsKey = "interval_executions"
	timeExecutionsKey     = "time_executions"
)

// MarshalJSON flattens snapshots and execution maps into one object.
func (s *EngineState) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(s.Snapshots)+2)
	for file, entries := range s.Snapshots {
		doc[file] = map[string]any{"entries": entries}
	}
	doc[intervalExecutionsKey] = s.IntervalExecutions
	doc[timeExecutionsKey] = s.TimeExecutions
	return json.Marshal(doc)
}

// UnmarshalJSON is the inverse of MarshalJSON. Unknown shapes under a
// file key are ignored rather than failing the whole document.
func (s *EngineState) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.Snapshots = make(map[string]map[string]Entry)
	s.IntervalExecutions = make(map[string]string)
	s.TimeExecutions = make(map[string]string)

	for key, raw := range doc {
		switch key {
		case intervalExecutionsKey:
			if err := json.Unmarshal(raw, &s.IntervalExecutions); err != nil {
				return err
			}
		case timeExecutionsKey:
			if err := json.Unmarshal(raw, &s.TimeExecutions); err != nil {
				return err
			}
		default:
			var snap struct {
				Entries map[string]Entry `json:"entries"`
			}
			if err := json.Unmarshal(raw, &snap); err != nil {
				continue
			}
			if snap.Entries == nil {
				snap.Entries = make(map[string]Entry)
			}
			s.Snapshots[key] = snap.Entries
		}
	}
	return nil
}

// Now returns the current time formatted the way every document stores
// timestamps.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseTime parses a stored timestamp, tolerating the fractional-second
// variants older documents carry. The zero time and false are returned
// when nothing matches.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
