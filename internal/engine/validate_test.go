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

package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/invoker"
	"github.com/overseer-sh/overseer/internal/state"
	"github.com/overseer-sh/overseer/pkg/errors"
)

func newEngineWithRegistry(t *testing.T) (*Engine, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registry.ndjson")
	require.NoError(t, os.WriteFile(regPath, []byte(
		`{"tool":"mailer","action":"__tool__","script_path":"hub/mailer.py"}
{"tool":"mailer","action":"send"}
{"tool":"mailer","action":"poll_inbox"}
{"tool":"archiver","action":"archive"}
`), 0o644))
	registry, err := invoker.LoadRegistry(regPath)
	require.NoError(t, err)

	store := state.New(dir)
	cfg := config.Default()
	cfg.DataDir = dir
	return New(store, cfg, newFakeInvoker(), registry, nil), store
}

func validationErrors(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	verr, ok := err.(*errors.ValidationError)
	require.True(t, ok, "expected ValidationError, got %T", err)
	return verr.Errors
}

func TestValidateRuleMissingTrigger(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"action": map[string]any{"tool": "mailer", "action": "send"},
	})
	problems := validationErrors(t, err)
	assert.Contains(t, problems, "trigger.type is required")
}

func TestValidateRuleEntryTriggerNeedsFile(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"trigger": map[string]any{"type": "entry_added"},
		"action":  map[string]any{"tool": "mailer", "action": "send"},
	})
	problems := validationErrors(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "trigger.file is required")
}

func TestValidateRuleUnknownToolSuggests(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"trigger": map[string]any{"type": "entry_added", "file": "inbox.json"},
		"action":  map[string]any{"tool": "maler", "action": "send"},
	})
	problems := validationErrors(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], `unknown tool "maler"`)
	assert.Contains(t, problems[0], `did you mean "mailer"`)
}

func TestValidateRuleUnknownActionSuggests(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"trigger": map[string]any{"type": "entry_added", "file": "inbox.json"},
		"action":  map[string]any{"tool": "mailer", "action": "pol_inbox"},
	})
	problems := validationErrors(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], `no action "pol_inbox"`)
	assert.Contains(t, problems[0], `did you mean "poll_inbox"`)
}

func TestValidateRuleNoSuggestionForDistantName(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"trigger": map[string]any{"type": "entry_added", "file": "inbox.json"},
		"action":  map[string]any{"tool": "zzzzqq", "action": "send"},
	})
	problems := validationErrors(t, err)
	require.Len(t, problems, 1)
	assert.NotContains(t, problems[0], "did you mean")
}

func TestValidateRuleWorkflowSteps(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"trigger": map[string]any{"type": "interval", "minutes": 10},
		"action": map[string]any{
			"steps": []any{
				map[string]any{"tool": "mailer", "action": "send"},
				map[string]any{"type": "foreach", "steps": []any{
					map[string]any{"tool": "archiver", "action": "archve"},
				}},
			},
		},
	})
	problems := validationErrors(t, err)
	assert.Contains(t, problems, "action.steps[1]: foreach steps need an array path")

	// The bad sub-step action must also be flagged with a suggestion.
	joined := strings.Join(problems, "\n")
	assert.Contains(t, joined, `no action "archve"`)
	assert.Contains(t, joined, `did you mean "archive"`)
}

func TestValidateRuleValid(t *testing.T) {
	e, _ := newEngineWithRegistry(t)

	err := e.ValidateRule(map[string]any{
		"trigger":   map[string]any{"type": "entry_added", "file": "inbox.json"},
		"condition": `entry.priority == "high"`,
		"action":    map[string]any{"tool": "mailer", "action": "send"},
		"post_actions": []any{
			map[string]any{
				"for_each": "messages",
				"action":   map[string]any{"tool": "archiver", "action": "archive"},
			},
		},
	})
	assert.NoError(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("mailer", "mailer"))
	assert.Greater(t, similarity("maler", "mailer"), 0.6)
	assert.Less(t, similarity("zzzzqq", "mailer"), 0.6)
	assert.Equal(t, 1.0, similarity("", ""))
	assert.Equal(t, 0.0, similarity("abc", ""))
}

func TestDryRunEntryRule(t *testing.T) {
	e, store := newEngineWithRegistry(t)

	require.NoError(t, store.UpdateRules(func(rules map[string]map[string]any) error {
		rules["high_only"] = map[string]any{
			"trigger":   map[string]any{"type": "entry_added", "file": "inbox.json"},
			"condition": `entry.priority == "high"`,
			"action": map[string]any{
				"tool":   "mailer",
				"action": "send",
				"params": map[string]any{"subject": "urgent: {entry.subject}"},
			},
		}
		return nil
	}))
	require.NoError(t, store.SaveEntries("inbox.json", map[string]state.Entry{
		"urgent":  {"status": "queued", "priority": "high", "subject": "outage"},
		"routine": {"status": "queued", "priority": "low"},
		"done":    {"status": "processed", "priority": "high"},
	}))

	report, err := e.DryRun("high_only")
	require.NoError(t, err)

	assert.Equal(t, true, report["would_fire"])
	matching := report["matching_entries"].([]map[string]any)
	require.Len(t, matching, 1)
	assert.Equal(t, "urgent", matching[0]["id"])

	actions := report["actions_that_would_execute"].([]map[string]any)
	require.Len(t, actions, 1)
	params := actions[0]["params"].(map[string]any)
	assert.Equal(t, "urgent: outage", params["subject"])

	// Nothing was executed or mutated.
	entries, _ := store.LoadEntries("inbox.json")
	assert.Equal(t, "queued", entries["urgent"].Status())
}

func TestDryRunUnknownRule(t *testing.T) {
	e, _ := newEngineWithRegistry(t)
	_, err := e.DryRun("ghost")
	require.Error(t, err)
	_, ok := err.(*errors.NotFoundError)
	assert.True(t, ok)
}

func TestDryRunAll(t *testing.T) {
	e, store := newEngineWithRegistry(t)

	require.NoError(t, store.UpdateRules(func(rules map[string]map[string]any) error {
		rules["a"] = map[string]any{
			"trigger": map[string]any{"type": "entry_added", "file": "inbox.json"},
			"action":  map[string]any{"tool": "mailer", "action": "send"},
		}
		rules["b"] = map[string]any{
			"trigger": map[string]any{"type": "interval", "minutes": 5},
			"action":  map[string]any{"tool": "mailer", "action": "poll_inbox"},
		}
		return nil
	}))
	require.NoError(t, store.SaveEntries("inbox.json", map[string]state.Entry{
		"msg_1": {"status": "queued"},
	}))

	report, err := e.DryRunAll()
	require.NoError(t, err)
	assert.Equal(t, 2, report["count"])
	assert.Equal(t, 2, report["would_fire_count"])
}
