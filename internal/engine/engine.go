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

// Package engine implements the rule automation loop: it polls watched
// entry files, diffs them against the last observed snapshot, and fires
// matching rules.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/overseer-sh/overseer/internal/condition"
	"github.com/overseer-sh/overseer/internal/config"
	"github.com/overseer-sh/overseer/internal/invoker"
	"github.com/overseer-sh/overseer/internal/state"
)

// dedupClearThreshold caps the in-memory fired-event set. Crossing it
// clears the set; the terminal entry statuses still prevent reruns.
const dedupClearThreshold = 10000

// Engine drives rule evaluation and action execution.
type Engine struct {
	store    *state.Store
	cfg      *config.Config
	eval     *condition.Evaluator
	inv      invoker.Invoker
	registry *invoker.Registry
	logger   *slog.Logger

	// fired dedups trigger events within this engine's lifetime.
	fired map[string]bool

	clock func() time.Time
}

// New creates an engine. A nil invoker or registry is only acceptable
// in tests that never fire actions.
func New(store *state.Store, cfg *config.Config, inv invoker.Invoker, registry *invoker.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		cfg:      cfg,
		eval:     condition.NewEvaluator(),
		inv:      inv,
		registry: registry,
		logger:   logger,
		fired:    make(map[string]bool),
		clock:    time.Now,
	}
}

// Run polls until the context is cancelled. A watcher wake channel may
// be nil; when set, a wake triggers an immediate poll between ticks.
func (e *Engine) Run(ctx context.Context, wake <-chan struct{}) error {
	interval := time.Duration(e.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("engine started", "poll_interval", interval.String())

	for {
		if err := e.Poll(ctx); err != nil {
			e.logger.Error("poll failed", "error", err)
			recordPollError()
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Poll runs one evaluation pass over every enabled rule.
func (e *Engine) Poll(ctx context.Context) error {
	start := e.clock()
	defer func() {
		observePollDuration(time.Since(start))
	}()

	rawRules, err := e.store.LoadRules()
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	rules := make(map[string]state.Rule, len(rawRules))
	for key, raw := range rawRules {
		rule, err := state.DecodeRule(raw)
		if err != nil {
			e.logger.Warn("skipping malformed rule", slog.String("rule_id", key), "error", err)
			continue
		}
		if !rule.IsEnabled() {
			continue
		}
		rules[key] = rule
	}

	engineState, err := e.store.LoadEngineState()
	if err != nil {
		return fmt.Errorf("failed to load engine state: %w", err)
	}

	e.pollScheduled(ctx, rules, engineState)
	e.pollEntryFiles(ctx, rules, engineState)

	if err := e.store.SaveEngineState(engineState); err != nil {
		return fmt.Errorf("failed to save engine state: %w", err)
	}

	if len(e.fired) > dedupClearThreshold {
		e.logger.Info("clearing fired-event set", "size", len(e.fired))
		e.fired = make(map[string]bool)
	}
	return nil
}

// pollScheduled fires time and interval triggers that are due.
func (e *Engine) pollScheduled(ctx context.Context, rules map[string]state.Rule, st *state.EngineState) {
	now := e.clock()
	minute := now.Format("2006-01-02 15:04")
	clock := now.Format("15:04")

	for key, rule := range rules {
		switch rule.Trigger.Type {
		case state.TriggerTime:
			if rule.Trigger.ClockTime() != clock {
				continue
			}
			// At most one firing per matching minute.
			if st.TimeExecutions[key] == minute {
				continue
			}
			st.TimeExecutions[key] = minute
			e.fireScheduled(ctx, key, rule)

		case state.TriggerInterval:
			if rule.Trigger.Minutes <= 0 {
				continue
			}
			if last, ok := st.IntervalExecutions[key]; ok {
				t, parsed := state.ParseTime(last)
				if parsed && now.Sub(t) < time.Duration(rule.Trigger.Minutes)*time.Minute {
					continue
				}
			}
			st.IntervalExecutions[key] = now.UTC().Format(time.RFC3339)
			e.fireScheduled(ctx, key, rule)
		}
	}
}

func (e *Engine) fireScheduled(ctx context.Context, key string, rule state.Rule) {
	env := e.conditionEnv(rule, nil)
	if rule.Condition != "" {
		ok, err := e.eval.Evaluate(rule.Condition, env)
		if err != nil {
			e.logger.Debug("condition error treated as false",
				slog.String("rule_id", key), "error", err)
			return
		}
		if !ok {
			return
		}
	}

	e.logger.Info("rule fired",
		slog.String("rule_id", key),
		slog.String("trigger", rule.Trigger.Type),
	)
	recordRuleFired(rule.Trigger.Type)

	result, outcome, duration := e.executeAction(ctx, key, rule, env)
	e.recordExecution(key, rule, "", outcome, duration)
	if outcome == state.ResultSuccess {
		e.runPostActions(ctx, key, rule, result)
	}
}

// pollEntryFiles diffs every watched file against its snapshot and
// fires entry_added/entry_updated rules.
func (e *Engine) pollEntryFiles(ctx context.Context, rules map[string]state.Rule, st *state.EngineState) {
	byFile := make(map[string]map[string]state.Rule)
	for key, rule := range rules {
		if rule.Trigger.Type != state.TriggerEntryAdded && rule.Trigger.Type != state.TriggerEntryUpdated {
			continue
		}
		if rule.Trigger.File == "" {
			continue
		}
		if byFile[rule.Trigger.File] == nil {
			byFile[rule.Trigger.File] = make(map[string]state.Rule)
		}
		byFile[rule.Trigger.File][key] = rule
	}

	eventTypes, err := e.store.LoadEventTypes()
	if err != nil {
		e.logger.Error("failed to load event types", "error", err)
		eventTypes = nil
	}

	for file, fileRules := range byFile {
		e.applyRetryPolicy(file, fileRules)

		entries, err := e.store.LoadEntries(file)
		if err != nil {
			e.logger.Error("failed to load entries", "file", file, "error", err)
			continue
		}
		old := st.Snapshots[file]

		for entryKey, entry := range entries {
			_, existed := old[entryKey]
			for ruleKey, rule := range fileRules {
				if !existed && rule.Trigger.Type == state.TriggerEntryAdded {
					e.fireEntryAdded(ctx, file, entryKey, entry, ruleKey, rule, eventTypes)
				}
				if existed && rule.Trigger.Type == state.TriggerEntryUpdated {
					e.fireEntryUpdated(ctx, file, entryKey, old[entryKey], entry, ruleKey, rule, eventTypes)
				}
			}
		}

		st.Snapshots[file] = snapshotEntries(entries)
	}
}

func (e *Engine) fireEntryAdded(ctx context.Context, file, entryKey string, entry state.Entry, ruleKey string, rule state.Rule, eventTypes map[string]state.EventType) {
	if entry.IsTerminal() {
		return
	}

	dedupKey := fmt.Sprintf("%s:%s:added", file, entryKey)
	if e.fired[dedupKey] {
		return
	}

	// A new entry has no prior state; the event predicate sees an empty
	// old_entry.
	env := e.conditionEnv(rule, map[string]any{
		"entry":     map[string]any(entry),
		"old_entry": map[string]any{},
		"new_entry": map[string]any(entry),
		"key":       entryKey,
	})
	if !e.eventTypeMatches(ruleKey, rule, eventTypes, env) {
		return
	}
	if rule.Condition != "" {
		ok, err := e.eval.Evaluate(rule.Condition, env)
		if err != nil {
			e.logger.Debug("condition error treated as false",
				slog.String("rule_id", ruleKey), "error", err)
			return
		}
		if !ok {
			return
		}
	}

	e.fired[dedupKey] = true
	e.logger.Info("rule fired",
		slog.String("rule_id", ruleKey),
		slog.String("entry_id", entryKey),
		slog.String("trigger", state.TriggerEntryAdded),
	)
	recordRuleFired(state.TriggerEntryAdded)
	e.processEntry(ctx, file, entryKey, ruleKey, rule)
}

func (e *Engine) fireEntryUpdated(ctx context.Context, file, entryKey string, oldEntry, newEntry state.Entry, ruleKey string, rule state.Rule, eventTypes map[string]state.EventType) {
	switch newEntry.Status() {
	case state.StatusProcessing, state.StatusFailed:
		return
	}

	dedupKey := fmt.Sprintf("%s:%s:%s:%s", file, entryKey, ruleKey, newEntry.Status())
	if e.fired[dedupKey] {
		return
	}

	env := e.conditionEnv(rule, map[string]any{
		"entry":     map[string]any(newEntry),
		"old_entry": map[string]any(oldEntry),
		"new_entry": map[string]any(newEntry),
		"key":       entryKey,
	})

	if !e.eventTypeMatches(ruleKey, rule, eventTypes, env) {
		return
	}

	if rule.Condition != "" {
		ok, err := e.eval.Evaluate(rule.Condition, env)
		if err != nil || !ok {
			return
		}
	}

	e.fired[dedupKey] = true
	e.logger.Info("rule fired",
		slog.String("rule_id", ruleKey),
		slog.String("entry_id", entryKey),
		slog.String("trigger", state.TriggerEntryUpdated),
	)
	recordRuleFired(state.TriggerEntryUpdated)

	// Update triggers react to a transition that already happened, so
	// the action fires directly; the entry is not claimed and its status
	// is left alone.
	execCtx := entryContext(rule, newEntry, entryKey)
	execCtx["old_entry"] = map[string]any(oldEntry)
	execCtx["new_entry"] = map[string]any(newEntry)
	result, outcome, duration := e.executeAction(ctx, ruleKey, rule, execCtx)
	e.recordExecution(ruleKey, rule, entryKey, outcome, duration)
	if outcome == state.ResultSuccess {
		e.runPostActions(ctx, ruleKey, rule, result)
	}
}

// eventTypeMatches applies the rule's named event predicate, if any. A
// reference to an unknown event type never fires.
func (e *Engine) eventTypeMatches(ruleKey string, rule state.Rule, eventTypes map[string]state.EventType, env map[string]any) bool {
	if rule.Trigger.EventType == "" {
		return true
	}
	et, ok := eventTypes[rule.Trigger.EventType]
	if !ok {
		e.logger.Warn("rule references unknown event type",
			slog.String("rule_id", ruleKey),
			"event_type", rule.Trigger.EventType,
		)
		return false
	}
	matched, err := e.eval.Evaluate(et.Test, env)
	if err != nil {
		e.logger.Debug("event type predicate error treated as false",
			slog.String("rule_id", ruleKey), "error", err)
		return false
	}
	return matched
}

// conditionEnv builds the evaluation environment: rule context first,
// then event bindings on top.
func (e *Engine) conditionEnv(rule state.Rule, event map[string]any) map[string]any {
	env := make(map[string]any, len(rule.Context)+len(event))
	for k, v := range rule.Context {
		env[k] = v
	}
	for k, v := range event {
		env[k] = v
	}
	return env
}

// recordExecution appends a history record for a terminal outcome.
func (e *Engine) recordExecution(ruleKey string, rule state.Rule, entryID, outcome string, duration time.Duration) {
	recordActionResult(outcome)
	rec := state.HistoryRecord{
		Timestamp:  state.Now(),
		RuleID:     ruleKey,
		Trigger:    rule.Trigger.Type,
		EntryID:    entryID,
		Action:     actionLabel(rule),
		Result:     outcome,
		DurationMS: duration.Milliseconds(),
	}
	if err := e.store.AppendHistory(rec); err != nil {
		e.logger.Error("failed to append history", "error", err)
	}
}

func actionLabel(rule state.Rule) string {
	if len(rule.Action.Steps) > 0 {
		first := rule.Action.Steps[0]
		if first.Tool != "" {
			return first.Tool + "." + first.Name
		}
		return "workflow"
	}
	return rule.Action.Tool + "." + rule.Action.Name
}

// snapshotEntries deep-copies the entry map so later mutations of the
// live file cannot alter the stored snapshot.
func snapshotEntries(entries map[string]state.Entry) map[string]state.Entry {
	snap := make(map[string]state.Entry, len(entries))
	for key, entry := range entries {
		copied := make(state.Entry, len(entry))
		for k, v := range entry {
			copied[k] = v
		}
		snap[key] = copied
	}
	return snap
}
