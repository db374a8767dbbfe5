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
	"fmt"
	"time"

	"github.com/overseer-sh/overseer/pkg/errors"

	"github.com/overseer-sh/overseer/internal/resolve"
	"github.com/overseer-sh/overseer/internal/state"
)

// DryRun reports what a rule would do right now without executing
// anything: which entries match and the actions with their params
// resolved.
func (e *Engine) DryRun(key string) (map[string]any, error) {
	rules, err := e.store.LoadRules()
	if err != nil {
		return nil, err
	}
	raw, ok := rules[key]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "rule", ID: key}
	}
	rule, err := state.DecodeRule(raw)
	if err != nil {
		return nil, err
	}

	report := map[string]any{
		"rule_id":    key,
		"trigger":    rule.Trigger.Type,
		"enabled":    rule.IsEnabled(),
		"would_fire": false,
	}

	switch rule.Trigger.Type {
	case state.TriggerEntryAdded, state.TriggerEntryUpdated:
		matching, actions, err := e.dryRunEntries(rule)
		if err != nil {
			return nil, err
		}
		report["matching_entries"] = matching
		report["actions_that_would_execute"] = actions
		report["would_fire"] = len(matching) > 0

	case state.TriggerTime:
		due := rule.Trigger.ClockTime() == e.clock().Format("15:04")
		report["would_fire"] = due && rule.IsEnabled()
		report["fires_at"] = rule.Trigger.ClockTime()

	case state.TriggerInterval:
		st, err := e.store.LoadEngineState()
		if err != nil {
			return nil, err
		}
		due := true
		if last, ok := st.IntervalExecutions[key]; ok {
			if t, parsed := state.ParseTime(last); parsed {
				due = e.clock().Sub(t) >= time.Duration(rule.Trigger.Minutes)*time.Minute
				report["last_fired"] = last
			}
		}
		report["would_fire"] = due && rule.IsEnabled()
		report["interval_minutes"] = rule.Trigger.Minutes
	}

	return report, nil
}

// dryRunEntries evaluates an entry rule against the file's current
// entries, mirroring the live diff: terminal entries never match, and
// updated triggers see the entry as both old and new.
func (e *Engine) dryRunEntries(rule state.Rule) ([]map[string]any, []map[string]any, error) {
	entries, err := e.store.LoadEntries(rule.Trigger.File)
	if err != nil {
		return nil, nil, err
	}

	matching := []map[string]any{}
	actions := []map[string]any{}

	for entryKey, entry := range entries {
		if entry.IsTerminal() {
			continue
		}

		var oldEntry map[string]any
		if rule.Trigger.Type == state.TriggerEntryAdded {
			oldEntry = map[string]any{}
		} else {
			oldEntry = map[string]any(entry)
		}

		env := e.conditionEnv(rule, map[string]any{
			"entry":     map[string]any(entry),
			"old_entry": oldEntry,
			"new_entry": map[string]any(entry),
			"key":       entryKey,
		})

		reason := "no condition"
		if rule.Condition != "" {
			ok, err := e.eval.Evaluate(rule.Condition, env)
			if err != nil || !ok {
				continue
			}
			reason = fmt.Sprintf("condition matched: %s", rule.Condition)
		}

		matching = append(matching, map[string]any{
			"id":     entryKey,
			"reason": reason,
		})
		actions = append(actions, describeActions(rule, env, entryKey)...)
	}
	return matching, actions, nil
}

// describeActions lists the calls a firing would make, with params
// resolved against the entry's context.
func describeActions(rule state.Rule, env map[string]any, entryKey string) []map[string]any {
	var out []map[string]any
	if len(rule.Action.Steps) > 0 {
		for _, step := range rule.Action.Steps {
			if step.Type == "foreach" {
				out = append(out, map[string]any{
					"entry_id": entryKey,
					"type":     "foreach",
					"array":    step.Array,
					"steps":    len(step.Steps),
				})
				continue
			}
			out = append(out, map[string]any{
				"entry_id": entryKey,
				"tool":     step.Tool,
				"action":   step.Name,
				"params":   resolve.Params(step.Params, env),
			})
		}
		return out
	}
	return []map[string]any{{
		"entry_id": entryKey,
		"tool":     rule.Action.Tool,
		"action":   rule.Action.Name,
		"params":   resolve.Params(rule.Action.Params, env),
	}}
}

// DryRunAll runs DryRun over every rule.
func (e *Engine) DryRunAll() (map[string]any, error) {
	rules, err := e.store.LoadRules()
	if err != nil {
		return nil, err
	}

	reports := make(map[string]any, len(rules))
	wouldFire := 0
	for key := range rules {
		report, err := e.DryRun(key)
		if err != nil {
			reports[key] = map[string]any{"error": err.Error()}
			continue
		}
		reports[key] = report
		if fire, _ := report["would_fire"].(bool); fire {
			wouldFire++
		}
	}
	return map[string]any{
		"rules":            reports,
		"count":            len(rules),
		"would_fire_count": wouldFire,
	}, nil
}
