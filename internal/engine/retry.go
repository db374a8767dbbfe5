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
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/overseer-sh/overseer/internal/state"
)

// Retry defaults when a policy names neither value.
const (
	DefaultMaxRetries        = 3
	DefaultRetryDelayMinutes = 5
)

// applyRetryPolicy requeues failed entries that are due for another
// attempt, per the retry settings of the file's rules. When several
// rules on the file set max_retries, the first in key order wins.
func (e *Engine) applyRetryPolicy(file string, rules map[string]state.Rule) {
	keys := make([]string, 0, len(rules))
	for key := range rules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var policy *state.Rule
	for _, key := range keys {
		rule := rules[key]
		if rule.MaxRetries > 0 {
			policy = &rule
			break
		}
	}
	if policy == nil {
		return
	}

	delay := policy.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelayMinutes
	}
	if _, _, err := e.retryLadder(file, policy.MaxRetries, delay); err != nil {
		e.logger.Error("failed to apply retry policy", "file", file, "error", err)
	}
}

// RetryFailedEntries runs the retry ladder once against a file: failed
// entries that are due go back to queued with exponential backoff
// stamped (base * 3^attempt minutes), and entries out of attempts move
// to permanently_failed. Zero maxRetries and baseMinutes take the
// defaults.
func (e *Engine) RetryFailedEntries(file string, maxRetries, baseMinutes int) (map[string]any, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseMinutes <= 0 {
		baseMinutes = DefaultRetryDelayMinutes
	}
	requeued, exhausted, err := e.retryLadder(file, maxRetries, baseMinutes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":             "success",
		"file":               file,
		"requeued":           requeued,
		"permanently_failed": exhausted,
		"count":              len(requeued),
	}, nil
}

// retryLadder is the shared requeue pass. It returns the ids it moved
// back to queued and the ids it marked permanently_failed.
func (e *Engine) retryLadder(file string, maxRetries, delayMinutes int) (requeued, exhausted []string, err error) {
	now := e.clock()
	requeued = []string{}
	exhausted = []string{}

	err = e.store.UpdateEntries(file, func(entries map[string]state.Entry) error {
		for key, entry := range entries {
			status := entry.Status()
			if status != state.StatusFailed && status != state.StatusTimeoutFailed {
				continue
			}

			count := intField(entry, "retry_count")
			if count >= maxRetries {
				entry["status"] = state.StatusPermanentlyFailed
				entry["status_changed_at"] = state.Now()
				entry["updated_at"] = state.Now()
				exhausted = append(exhausted, key)
				e.logger.Warn("entry out of retries",
					slog.String("entry_id", key), "file", file, "attempts", count)
				continue
			}

			if next, ok := entry["next_retry"].(string); ok {
				if t, parsed := state.ParseTime(next); parsed && now.Before(t) {
					continue
				}
			}

			backoff := time.Duration(float64(delayMinutes)*math.Pow(3, float64(count))) * time.Minute
			nowStr := state.Now()
			entry["status"] = state.StatusQueued
			entry["status_changed_at"] = nowStr
			entry["updated_at"] = nowStr
			entry["retry_count"] = count + 1
			entry["last_retry"] = nowStr
			entry["next_retry"] = now.Add(backoff).UTC().Format(time.RFC3339)
			if msg, ok := entry["error"]; ok {
				entry["previous_error"] = msg
				delete(entry, "error")
			}
			requeued = append(requeued, key)
			e.logger.Info("entry requeued for retry",
				slog.String("entry_id", key),
				"file", file,
				"attempt", count+1,
				"next_backoff", backoff.String(),
			)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(requeued)
	sort.Strings(exhausted)
	return requeued, exhausted, nil
}

// RetryFailed is the manual reset: every failed entry in the file goes
// back to queued with its error cleared. It returns the reset entry ids.
func (e *Engine) RetryFailed(file string) ([]string, error) {
	var reset []string
	err := e.store.UpdateEntries(file, func(entries map[string]state.Entry) error {
		for key, entry := range entries {
			if entry.Status() != state.StatusFailed {
				continue
			}
			now := state.Now()
			entry["status"] = state.StatusQueued
			entry["status_changed_at"] = now
			entry["updated_at"] = now
			delete(entry, "error")
			reset = append(reset, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

func intField(entry state.Entry, key string) int {
	switch v := entry[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
