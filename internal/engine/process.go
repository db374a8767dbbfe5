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
	"log/slog"

	"github.com/overseer-sh/overseer/internal/state"
)

// entryContext builds the action execution context: rule context first,
// then the entry's own fields, then the entry key under "entry_key".
func entryContext(rule state.Rule, entry state.Entry, key string) map[string]any {
	execCtx := make(map[string]any, len(rule.Context)+len(entry)+1)
	for k, v := range rule.Context {
		execCtx[k] = v
	}
	for k, v := range entry {
		execCtx[k] = v
	}
	execCtx["entry_key"] = key
	return execCtx
}

// processEntry claims an entry, runs the rule's action against it, and
// writes the terminal status back. The claim happens under the entry
// file's lock so two engine instances cannot process the same entry,
// and the execution context is built from the entry as claimed.
func (e *Engine) processEntry(ctx context.Context, file, entryKey, ruleKey string, rule state.Rule) {
	var claimed state.Entry
	err := e.store.UpdateEntries(file, func(entries map[string]state.Entry) error {
		entry, ok := entries[entryKey]
		if !ok {
			return nil
		}
		switch entry.Status() {
		case state.StatusProcessing, state.StatusProcessed, state.StatusFailed, state.StatusTimeoutFailed:
			return nil
		}
		now := state.Now()
		entry["status"] = state.StatusProcessing
		entry["status_changed_at"] = now
		entry["updated_at"] = now
		claimed = make(state.Entry, len(entry))
		for k, v := range entry {
			claimed[k] = v
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to claim entry",
			slog.String("entry_id", entryKey), "file", file, "error", err)
		return
	}
	if claimed == nil {
		return
	}

	execCtx := entryContext(rule, claimed, entryKey)
	result, outcome, duration := e.executeAction(ctx, ruleKey, rule, execCtx)
	e.recordExecution(ruleKey, rule, entryKey, outcome, duration)

	switch outcome {
	case state.ResultTimeoutFailed:
		errMsg, _ := result["error"].(string)
		if _, err := e.store.UpdateEntryStatus(file, entryKey, state.StatusTimeoutFailed, map[string]any{
			"error":            errMsg,
			"duration_seconds": duration.Seconds(),
		}); err != nil {
			e.logger.Error("failed to mark entry timeout_failed",
				slog.String("entry_id", entryKey), "error", err)
		}

	case state.ResultFailed, state.ResultError:
		errMsg, _ := result["error"].(string)
		if _, err := e.store.UpdateEntryStatus(file, entryKey, state.StatusFailed, map[string]any{
			"error": errMsg,
		}); err != nil {
			e.logger.Error("failed to mark entry failed",
				slog.String("entry_id", entryKey), "error", err)
		}

	default:
		// Promote processing to processed, unless the action already
		// moved the entry somewhere else; then its word stands.
		err := e.store.UpdateEntries(file, func(entries map[string]state.Entry) error {
			entry, ok := entries[entryKey]
			if !ok || entry.Status() != state.StatusProcessing {
				return nil
			}
			now := state.Now()
			entry["status"] = state.StatusProcessed
			entry["status_changed_at"] = now
			entry["updated_at"] = now
			return nil
		})
		if err != nil {
			e.logger.Error("failed to mark entry processed",
				slog.String("entry_id", entryKey), "error", err)
		}
		e.runPostActions(ctx, ruleKey, rule, result)
	}
}
