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

package state

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	rule := map[string]any{
		"name":      "archive stale drafts",
		"trigger":   map[string]any{"type": "entry_added", "file": "drafts.json"},
		"condition": "entry.priority == 'low'",
		"action":    map[string]any{"tool": "archiver", "action": "archive"},
		// Unknown keys must survive a round trip untouched.
		"x_custom_annotation": "keep me",
	}

	err := s.UpdateRules(func(rules map[string]map[string]any) error {
		rules["archive_stale"] = rule
		return nil
	})
	require.NoError(t, err)

	loaded, err := s.LoadRules()
	require.NoError(t, err)
	require.Contains(t, loaded, "archive_stale")
	assert.Equal(t, "keep me", loaded["archive_stale"]["x_custom_annotation"])
	assert.Equal(t, "entry.priority == 'low'", loaded["archive_stale"]["condition"])
}

func TestDecodeRule(t *testing.T) {
	raw := map[string]any{
		"trigger":             map[string]any{"type": "interval", "minutes": 15},
		"action":              map[string]any{"tool": "mailer", "action": "poll_inbox"},
		"timeout":             60,
		"max_retries":         3,
		"retry_delay_minutes": 5,
	}
	rule, err := DecodeRule(raw)
	require.NoError(t, err)
	assert.Equal(t, TriggerInterval, rule.Trigger.Type)
	assert.Equal(t, 15, rule.Trigger.Minutes)
	assert.Equal(t, "mailer", rule.Action.Tool)
	assert.Equal(t, 60, rule.Timeout)
	assert.Equal(t, 3, rule.MaxRetries)
	assert.True(t, rule.IsEnabled(), "rules default to enabled")

	disabled := false
	rule.Enabled = &disabled
	assert.False(t, rule.IsEnabled())
}

func TestDecodeRuleAliases(t *testing.T) {
	raw := map[string]any{
		"trigger": map[string]any{"type": "interval", "minutes": 15},
		"action":  map[string]any{"tool": "mailer", "action": "poll_inbox"},
		"post_action": map[string]any{
			"for_each": "messages",
			"action":   map[string]any{"tool": "mailer", "action": "escalate"},
		},
		"max_retries":      2,
		"retry_delay_base": 10,
	}
	rule, err := DecodeRule(raw)
	require.NoError(t, err)
	require.Len(t, rule.PostActions, 1)
	assert.Equal(t, "messages", rule.PostActions[0].ForEach)
	assert.Equal(t, "mailer", rule.PostActions[0].Action.Tool)
	assert.Equal(t, 10, rule.RetryDelay)

	// A list under the singular key passes through as-is.
	raw["post_action"] = []any{
		map[string]any{"action": map[string]any{"tool": "a", "action": "one"}},
		map[string]any{"action": map[string]any{"tool": "b", "action": "two"}},
	}
	rule, err = DecodeRule(raw)
	require.NoError(t, err)
	assert.Len(t, rule.PostActions, 2)

	// The canonical spellings win when both are present.
	raw["post_actions"] = []any{
		map[string]any{"action": map[string]any{"tool": "c", "action": "three"}},
	}
	raw["retry_delay_minutes"] = 5
	rule, err = DecodeRule(raw)
	require.NoError(t, err)
	require.Len(t, rule.PostActions, 1)
	assert.Equal(t, "c", rule.PostActions[0].Action.Tool)
	assert.Equal(t, 5, rule.RetryDelay)
}

func TestUpdateEntryStatus(t *testing.T) {
	s := New(t.TempDir())
	file := "inbox.json"

	require.NoError(t, s.SaveEntries(file, map[string]Entry{
		"msg_1": {"status": "queued", "subject": "hello"},
	}))

	found, err := s.UpdateEntryStatus(file, "msg_1", StatusProcessing, nil)
	require.NoError(t, err)
	assert.True(t, found)

	entries, err := s.LoadEntries(file)
	require.NoError(t, err)
	entry := entries["msg_1"]
	assert.Equal(t, StatusProcessing, entry.Status())
	assert.NotEmpty(t, entry["updated_at"])
	assert.NotEmpty(t, entry["status_changed_at"])
	firstChange := entry["status_changed_at"]

	// Same status again: updated_at moves, status_changed_at does not.
	found, err = s.UpdateEntryStatus(file, "msg_1", StatusProcessing, map[string]any{"note": "still going"})
	require.NoError(t, err)
	assert.True(t, found)

	entries, err = s.LoadEntries(file)
	require.NoError(t, err)
	assert.Equal(t, firstChange, entries["msg_1"]["status_changed_at"])
	assert.Equal(t, "still going", entries["msg_1"]["note"])

	found, err = s.UpdateEntryStatus(file, "missing", StatusProcessed, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEntryIsTerminal(t *testing.T) {
	for _, status := range []string{StatusProcessed, StatusProcessing, StatusFailed, StatusTimeoutFailed, StatusPermanentlyFailed} {
		if !(Entry{"status": status}).IsTerminal() {
			t.Errorf("expected %q to be terminal", status)
		}
	}
	if (Entry{"status": StatusQueued}).IsTerminal() {
		t.Error("queued must not be terminal")
	}
	if (Entry{}).IsTerminal() {
		t.Error("missing status must not be terminal")
	}
}

func TestEngineStateRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	st := NewEngineState()
	st.Snapshots["inbox.json"] = map[string]Entry{
		"msg_1": {"status": "queued"},
	}
	st.IntervalExecutions["poll_mail"] = "2026-08-24T10:00:00Z"
	st.TimeExecutions["nightly_report"] = "02:30"

	require.NoError(t, s.SaveEngineState(st))

	loaded, err := s.LoadEngineState()
	require.NoError(t, err)
	assert.Equal(t, "queued", loaded.Snapshots["inbox.json"]["msg_1"].Status())
	assert.Equal(t, "2026-08-24T10:00:00Z", loaded.IntervalExecutions["poll_mail"])
	assert.Equal(t, "02:30", loaded.TimeExecutions["nightly_report"])

	// The document keeps file paths as top-level keys.
	data, err := os.ReadFile(filepath.Join(s.DataDir(), EngineStateFile))
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "inbox.json")
	assert.Contains(t, doc, "interval_executions")
}

func TestLoadEngineStateMissingFile(t *testing.T) {
	s := New(t.TempDir())
	st, err := s.LoadEngineState()
	require.NoError(t, err)
	assert.NotNil(t, st.Snapshots)
	assert.NotNil(t, st.IntervalExecutions)
	assert.NotNil(t, st.TimeExecutions)
}

func TestHistoryAppendAndRetention(t *testing.T) {
	s := New(t.TempDir())

	old := HistoryRecord{
		Timestamp: time.Now().Add(-31 * 24 * time.Hour).UTC().Format(time.RFC3339),
		RuleID:    "stale_rule",
		Action:    "archiver.archive",
		Result:    ResultSuccess,
	}
	require.NoError(t, s.AppendHistory(old))

	fresh := HistoryRecord{
		Timestamp: Now(),
		RuleID:    "live_rule",
		Trigger:   TriggerEntryAdded,
		EntryID:   "msg_1",
		Action:    "mailer.send",
		Result:    ResultFailed,
	}
	require.NoError(t, s.AppendHistory(fresh))

	records, err := s.QueryHistory(HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1, "records past retention are pruned on append")
	assert.Equal(t, "live_rule", records[0].RuleID)
}

func TestQueryHistoryFilters(t *testing.T) {
	s := New(t.TempDir())

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		result := ResultSuccess
		if i%2 == 1 {
			result = ResultFailed
		}
		require.NoError(t, s.AppendHistory(HistoryRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			RuleID:    "rule_a",
			Action:    "mailer.send",
			Result:    result,
		}))
	}
	require.NoError(t, s.AppendHistory(HistoryRecord{
		Timestamp: base.Format(time.RFC3339),
		RuleID:    "rule_b",
		Action:    "archiver.archive",
		Result:    ResultSuccess,
	}))

	byRule, err := s.QueryHistory(HistoryFilter{RuleID: "rule_b"})
	require.NoError(t, err)
	require.Len(t, byRule, 1)

	failed, err := s.QueryHistory(HistoryFilter{Result: ResultFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	limited, err := s.QueryHistory(HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	// Newest first.
	first, _ := ParseTime(limited[0].Timestamp)
	second, _ := ParseTime(limited[1].Timestamp)
	assert.False(t, first.Before(second))

	since, err := s.QueryHistory(HistoryFilter{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestQueueRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	err := s.UpdateQueue(func(tasks map[string]Task) error {
		tasks["task_1"] = Task{
			Status:      TaskQueued,
			CreatedAt:   Now(),
			Description: "summarize inbox",
			Priority:    "medium",
		}
		return nil
	})
	require.NoError(t, err)

	tasks, err := s.LoadQueue()
	require.NoError(t, err)
	require.Contains(t, tasks, "task_1")
	assert.Equal(t, TaskQueued, tasks["task_1"].Status)
}

func TestAppendArchive(t *testing.T) {
	s := New(t.TempDir())

	require.NoError(t, s.AppendArchive([]TaskResult{
		{TaskID: "task_1", Status: "done", CompletedAt: Now()},
		{TaskID: "task_2", Status: "error", CompletedAt: Now()},
	}))
	require.NoError(t, s.AppendArchive([]TaskResult{
		{TaskID: "task_3", Status: "done", CompletedAt: Now()},
	}))

	data, err := os.ReadFile(filepath.Join(s.DataDir(), ArchiveFile))
	require.NoError(t, err)

	var count int
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec TaskResult
		require.NoError(t, json.Unmarshal(line, &rec))
		count++
	}
	assert.Equal(t, 3, count)
}
