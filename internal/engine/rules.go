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
	"context"
	"time"

	"github.com/overseer-sh/overseer/pkg/errors"

	"github.com/overseer-sh/overseer/internal/condition"
	"github.com/overseer-sh/overseer/internal/state"
)

// AddRule validates and stores a rule under the given key. An existing
// rule with that key is rejected; use UpdateRule to replace one.
func (e *Engine) AddRule(key string, raw map[string]any) (map[string]any, error) {
	if key == "" {
		return nil, &errors.ValidationError{Field: "rule_id", Message: "must not be empty"}
	}
	if err := e.ValidateRule(raw); err != nil {
		return nil, err
	}

	err := e.store.UpdateRules(func(rules map[string]map[string]any) error {
		if _, exists := rules[key]; exists {
			return &errors.ValidationError{Field: "rule_id", Message: "rule already exists: " + key}
		}
		rules[key] = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "rule_id": key}, nil
}

// UpdateRule validates and replaces an existing rule.
func (e *Engine) UpdateRule(key string, raw map[string]any) (map[string]any, error) {
	if err := e.ValidateRule(raw); err != nil {
		return nil, err
	}

	err := e.store.UpdateRules(func(rules map[string]map[string]any) error {
		if _, exists := rules[key]; !exists {
			return &errors.NotFoundError{Resource: "rule", ID: key}
		}
		rules[key] = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "rule_id": key}, nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(key string) (map[string]any, error) {
	err := e.store.UpdateRules(func(rules map[string]map[string]any) error {
		if _, exists := rules[key]; !exists {
			return &errors.NotFoundError{Resource: "rule", ID: key}
		}
		delete(rules, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "rule_id": key}, nil
}

// GetRule returns one rule exactly as stored.
func (e *Engine) GetRule(key string) (map[string]any, error) {
	rules, err := e.store.LoadRules()
	if err != nil {
		return nil, err
	}
	rule, ok := rules[key]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "rule", ID: key}
	}
	return map[string]any{"rule_id": key, "rule": rule}, nil
}

// GetRules returns every stored rule.
func (e *Engine) GetRules() (map[string]any, error) {
	rules, err := e.store.LoadRules()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(rules))
	for key, rule := range rules {
		out[key] = rule
	}
	return map[string]any{"rules": out, "count": len(rules)}, nil
}

// ListRules returns a one-line summary per rule.
func (e *Engine) ListRules() (map[string]any, error) {
	rules, err := e.store.LoadRules()
	if err != nil {
		return nil, err
	}

	summaries := make(map[string]any, len(rules))
	for key, raw := range rules {
		rule, err := state.DecodeRule(raw)
		if err != nil {
			summaries[key] = map[string]any{"error": err.Error()}
			continue
		}
		summaries[key] = map[string]any{
			"trigger": rule.Trigger.Type,
			"file":    rule.Trigger.File,
			"action":  actionLabel(rule),
			"enabled": rule.IsEnabled(),
		}
	}
	return map[string]any{"rules": summaries, "count": len(summaries)}, nil
}

// SetRuleEnabled toggles a rule without touching the rest of it.
func (e *Engine) SetRuleEnabled(key string, enabled bool) (map[string]any, error) {
	err := e.store.UpdateRules(func(rules map[string]map[string]any) error {
		rule, exists := rules[key]
		if !exists {
			return &errors.NotFoundError{Resource: "rule", ID: key}
		}
		rule["enabled"] = enabled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "rule_id": key, "enabled": enabled}, nil
}

// AddEventType stores a named update predicate.
func (e *Engine) AddEventType(key string, et state.EventType) (map[string]any, error) {
	if key == "" {
		return nil, &errors.ValidationError{Field: "event_type", Message: "must not be empty"}
	}
	if et.Test == "" {
		return nil, &errors.ValidationError{Field: "test", Message: "must not be empty"}
	}
	if _, err := e.eval.Evaluate(et.Test, map[string]any{
		"key":       "sample",
		"old_entry": map[string]any{},
		"new_entry": map[string]any{},
	}); err != nil {
		return nil, &errors.ValidationError{Field: "test", Message: err.Error()}
	}

	err := e.store.UpdateEventTypes(func(types map[string]state.EventType) error {
		types[key] = et
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "event_type": key}, nil
}

// DeleteEventType removes a named update predicate.
func (e *Engine) DeleteEventType(key string) (map[string]any, error) {
	err := e.store.UpdateEventTypes(func(types map[string]state.EventType) error {
		if _, exists := types[key]; !exists {
			return &errors.NotFoundError{Resource: "event_type", ID: key}
		}
		delete(types, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "event_type": key}, nil
}

// GetEventTypes returns every stored event type.
func (e *Engine) GetEventTypes() (map[string]any, error) {
	types, err := e.store.LoadEventTypes()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(types))
	for key, et := range types {
		out[key] = et
	}
	return map[string]any{"event_types": out, "count": len(types)}, nil
}

// DispatchEvent fires a rule manually, bypassing its trigger but not
// its condition. The optional entry binds into the condition and params
// the way an entry trigger would.
func (e *Engine) DispatchEvent(ctx context.Context, key string, entry map[string]any) (map[string]any, error) {
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

	event := map[string]any{}
	if entry != nil {
		event["entry"] = entry
	}
	env := e.conditionEnv(rule, event)

	if rule.Condition != "" {
		matched, err := e.eval.Evaluate(rule.Condition, env)
		if err != nil {
			return nil, &errors.ValidationError{Field: "condition", Message: err.Error()}
		}
		if !matched {
			return map[string]any{"status": "skipped", "rule_id": key, "reason": "condition not met"}, nil
		}
	}

	recordRuleFired(state.TriggerManual)
	result, outcome, duration := e.executeAction(ctx, key, rule, env)
	rec := state.HistoryRecord{
		Timestamp:  state.Now(),
		RuleID:     key,
		Trigger:    state.TriggerManual,
		Action:     actionLabel(rule),
		Result:     outcome,
		DurationMS: duration.Milliseconds(),
	}
	recordActionResult(outcome)
	if err := e.store.AppendHistory(rec); err != nil {
		e.logger.Error("failed to append history", "error", err)
	}
	if outcome == state.ResultSuccess {
		e.runPostActions(ctx, key, rule, result)
	}

	return map[string]any{
		"status":  "success",
		"rule_id": key,
		"result":  result,
		"outcome": outcome,
	}, nil
}

// GetExecutionHistory queries the history log.
func (e *Engine) GetExecutionHistory(ruleID, result, since string, limit int) (map[string]any, error) {
	filter := state.HistoryFilter{RuleID: ruleID, Result: result, Limit: limit}
	if since != "" {
		t, ok := state.ParseTime(since)
		if !ok {
			// Accepts the same shorthand as conditions: "2d", "3h", "30m".
			d, err := condition.ParseWindow(since)
			if err != nil {
				return nil, &errors.ValidationError{Field: "since", Message: err.Error()}
			}
			t = time.Now().Add(-d)
		}
		filter.Since = t
	}

	records, err := e.store.QueryHistory(filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": records, "count": len(records)}, nil
}
