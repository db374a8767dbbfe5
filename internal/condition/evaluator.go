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

// Package condition evaluates rule and event-type predicates using
// expr-lang expressions.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and evaluates boolean predicate expressions.
// Compiled programs are cached by expression text, so the hot path of
// the poll loop does not recompile unchanged rules.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates a predicate evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the expression against env and returns its boolean
// result. Undefined variables evaluate as nil rather than failing, so
// predicates can test optional entry fields.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile condition: %w", err)
	}

	result, err := expr.Run(program, withHelpers(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition: %w", err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to a boolean: %q", expression)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// withHelpers layers the time helper functions under the caller's
// variables. Caller keys win on collision.
func withHelpers(env map[string]any) map[string]any {
	merged := map[string]any{
		"now":           func() string { return time.Now().UTC().Format(time.RFC3339) },
		"is_older_than": isOlderThan,
		"is_newer_than": func(ts, window string) bool { return !isOlderThan(ts, window) },
		"days":          func(n any) string { return fmt.Sprintf("%vd", n) },
		"hours":         func(n any) string { return fmt.Sprintf("%vh", n) },
		"minutes":       func(n any) string { return fmt.Sprintf("%vm", n) },
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}

// isOlderThan reports whether the timestamp is further in the past than
// the window. Unparseable inputs report false, which keeps a bad
// timestamp from matching an age predicate.
func isOlderThan(timestamp, window string) bool {
	t, ok := parseTimestamp(timestamp)
	if !ok {
		return false
	}
	d, err := ParseWindow(window)
	if err != nil {
		return false
	}
	return time.Since(t) > d
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseWindow parses a duration shorthand: "2d", "3h", "30m", "45s",
// or a bare number of seconds.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := s[len(s)-1]
	var mult time.Duration
	switch unit {
	case 'd':
		mult = 24 * time.Hour
	case 'h':
		mult = time.Hour
	case 'm':
		mult = time.Minute
	case 's':
		mult = time.Second
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}

	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(mult)), nil
}
