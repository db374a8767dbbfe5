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
	"time"

	"github.com/overseer-sh/overseer/internal/invoker"
	"github.com/overseer-sh/overseer/internal/resolve"
	"github.com/overseer-sh/overseer/internal/state"
)

// executeAction runs a rule's action (single call or workflow) and maps
// the result document to a history outcome.
func (e *Engine) executeAction(ctx context.Context, ruleKey string, rule state.Rule, execCtx map[string]any) (map[string]any, string, time.Duration) {
	start := e.clock()

	var result map[string]any
	var err error
	if len(rule.Action.Steps) > 0 {
		result, err = e.runWorkflow(ctx, rule, rule.Action.Steps, execCtx)
	} else {
		result, err = e.runCall(ctx, rule, rule.Action.Tool, rule.Action.Name, rule.Action.Params, rule.Action.Timeout, execCtx)
	}
	duration := e.clock().Sub(start)

	if err != nil {
		e.logger.Error("action failed to run",
			slog.String("rule_id", ruleKey), "error", err)
		return map[string]any{"status": "error", "error": err.Error()}, state.ResultError, duration
	}
	return result, outcomeOf(result), duration
}

// runCall resolves params against the execution context and invokes one
// tool action. Timeout precedence is step, then rule, then the default.
func (e *Engine) runCall(ctx context.Context, rule state.Rule, tool, action string, params map[string]any, stepTimeout int, execCtx map[string]any) (map[string]any, error) {
	timeout := invoker.DefaultTimeout
	if rule.Timeout > 0 {
		timeout = time.Duration(rule.Timeout) * time.Second
	}
	if stepTimeout > 0 {
		timeout = time.Duration(stepTimeout) * time.Second
	}

	return e.inv.Invoke(ctx, invoker.Call{
		Tool:    tool,
		Action:  action,
		Params:  resolve.Params(params, execCtx),
		Timeout: timeout,
	})
}

// runWorkflow executes steps sequentially. Each step sees the previous
// step's result as "prev". Failed, error, and timeout results stop the
// workflow and become its result.
func (e *Engine) runWorkflow(ctx context.Context, rule state.Rule, steps []state.Step, execCtx map[string]any) (map[string]any, error) {
	stepCtx := make(map[string]any, len(execCtx)+1)
	for k, v := range execCtx {
		stepCtx[k] = v
	}

	var result map[string]any
	for _, step := range steps {
		var err error
		if step.Type == "foreach" {
			result, err = e.runForeach(ctx, rule, step, stepCtx)
		} else {
			result, err = e.runCall(ctx, rule, step.Tool, step.Name, step.Params, step.Timeout, stepCtx)
		}
		if err != nil {
			return nil, err
		}
		if s, _ := result["status"].(string); s == "failed" || s == "error" || s == "timeout_failed" {
			return result, nil
		}
		stepCtx["prev"] = result
	}
	if result == nil {
		result = map[string]any{"status": "completed"}
	}
	return result, nil
}

// runForeach fans the step's sub-steps out over a collection resolved
// from the step context. An empty or missing collection is a zero
// result, not an error.
func (e *Engine) runForeach(ctx context.Context, rule state.Rule, step state.Step, stepCtx map[string]any) (map[string]any, error) {
	value, ok := resolve.Lookup(step.Array, stepCtx)
	if !ok {
		return map[string]any{"status": "completed", "results": []any{}, "processed_count": 0}, nil
	}
	items, ok := value.([]any)
	if !ok {
		return map[string]any{"status": "completed", "results": []any{}, "processed_count": 0}, nil
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		itemCtx := make(map[string]any, len(stepCtx)+2)
		for k, v := range stepCtx {
			itemCtx[k] = v
		}
		itemCtx["item"] = item
		itemCtx["index"] = i

		result, err := e.runWorkflow(ctx, rule, step.Steps, itemCtx)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	return map[string]any{
		"status":          "completed",
		"results":         results,
		"processed_count": len(items),
	}, nil
}

// runPostActions iterates a rule's post_actions over collections in the
// main action result. Dict collections yield (item_key, item); lists
// yield items alone.
func (e *Engine) runPostActions(ctx context.Context, ruleKey string, rule state.Rule, result map[string]any) {
	for _, pa := range rule.PostActions {
		collection, ok := result[pa.ForEach]
		if !ok {
			continue
		}

		var items []postItem
		switch c := collection.(type) {
		case map[string]any:
			for key, item := range c {
				items = append(items, postItem{key: key, value: item})
			}
		case []any:
			for _, item := range c {
				items = append(items, postItem{value: item})
			}
		default:
			continue
		}

		for _, item := range items {
			env := map[string]any{"item": item.value, "item_key": item.key}
			if pa.Condition != "" {
				ok, err := e.eval.Evaluate(pa.Condition, env)
				if err != nil {
					e.logger.Debug("post-action condition error treated as false",
						slog.String("rule_id", ruleKey), "error", err)
					continue
				}
				if !ok {
					continue
				}
			}

			start := e.clock()
			var res map[string]any
			var err error
			if len(pa.Action.Steps) > 0 {
				res, err = e.runWorkflow(ctx, rule, pa.Action.Steps, env)
			} else {
				res, err = e.runCall(ctx, rule, pa.Action.Tool, pa.Action.Name, pa.Action.Params, pa.Action.Timeout, env)
			}
			duration := e.clock().Sub(start)

			outcome := state.ResultError
			if err == nil {
				outcome = outcomeOf(res)
			}
			recordActionResult(outcome)
			rec := state.HistoryRecord{
				Timestamp:  state.Now(),
				RuleID:     ruleKey,
				Trigger:    rule.Trigger.Type,
				EntryID:    item.key,
				Action:     pa.Action.Tool + "." + pa.Action.Name,
				Result:     outcome,
				DurationMS: duration.Milliseconds(),
			}
			if err := e.store.AppendHistory(rec); err != nil {
				e.logger.Error("failed to append history", "error", err)
			}
		}
	}
}

type postItem struct {
	key   string
	value any
}

// outcomeOf maps a result document's status field to a history result.
func outcomeOf(result map[string]any) string {
	switch s, _ := result["status"].(string); s {
	case "timeout_failed":
		return state.ResultTimeoutFailed
	case "failed":
		return state.ResultFailed
	case "error":
		return state.ResultError
	default:
		return state.ResultSuccess
	}
}
