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

// Package invoker runs tool actions as subprocesses. Registered tools
// route through the hub dispatcher; everything else executes its script
// from the tools directory.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout applies when neither the step nor the rule sets one.
const DefaultTimeout = 30 * time.Second

// bypassSentinel marks hub payloads as originating from the engine, so
// the hub skips interactive enforcement for automated calls.
const bypassSentinel = "overseer_engine"

// Call identifies one tool action invocation.
type Call struct {
	Tool    string
	Action  string
	Params  map[string]any
	Timeout time.Duration
}

// Label returns the "tool.action" form used in history records.
func (c Call) Label() string {
	return c.Tool + "." + c.Action
}

// Invoker executes tool calls. The engine depends on this interface so
// tests can substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// Subprocess is the production Invoker: it shells out to the hub or to
// tool scripts and interprets their stdout.
type Subprocess struct {
	registry   *Registry
	toolsDir   string
	hubCommand []string
	logger     *slog.Logger
}

// NewSubprocess creates a subprocess invoker.
func NewSubprocess(registry *Registry, toolsDir string, hubCommand []string, logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{
		registry:   registry,
		toolsDir:   toolsDir,
		hubCommand: hubCommand,
		logger:     logger,
	}
}

// Invoke runs the call and returns its result document. Timeouts and
// nonzero exits come back as result documents with a status field, not
// as errors; an error means the process could not be run at all.
func (s *Subprocess) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	argv, err := s.command(call)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		s.logger.Warn("tool call timed out",
			"tool", call.Tool,
			"action", call.Action,
			"timeout", timeout.String(),
		)
		return map[string]any{
			"status":           "timeout_failed",
			"error":            fmt.Sprintf("%s timed out after %v", call.Label(), timeout),
			"duration_seconds": duration.Seconds(),
		}, nil
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("failed to run %s: %w", call.Label(), runErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return map[string]any{
			"status":           "failed",
			"error":            msg,
			"duration_seconds": duration.Seconds(),
		}, nil
	}

	return parseOutput(stdout.String()), nil
}

// command builds the argv for a call. Registered tools go through the
// hub with a JSON payload; unregistered tools run their script with the
// action and params as arguments.
func (s *Subprocess) command(call Call) ([]string, error) {
	params := make(map[string]any, len(call.Params)+1)
	for k, v := range call.Params {
		params[k] = v
	}

	if s.registry.IsRegistered(call.Tool) {
		params["bypass_enforcement"] = bypassSentinel
		payload, err := json.Marshal(map[string]any{
			"tool":   call.Tool,
			"action": call.Action,
			"params": params,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode hub payload: %w", err)
		}
		if len(s.hubCommand) == 0 {
			return nil, fmt.Errorf("no hub command configured for registered tool %s", call.Tool)
		}
		return append(append([]string{}, s.hubCommand...), string(payload)), nil
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	script := filepath.Join(s.toolsDir, call.Tool)
	return []string{script, call.Action, string(paramsJSON)}, nil
}

// parseOutput interprets a tool's stdout. JSON objects pass through as
// the result; anything else is wrapped as a completed result with the
// raw text as output.
func parseOutput(stdout string) map[string]any {
	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") {
		var result map[string]any
		if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
			return result
		}
	}
	return map[string]any{
		"status": "completed",
		"output": trimmed,
	}
}
