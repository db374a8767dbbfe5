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

	"github.com/overseer-sh/overseer/pkg/errors"

	"github.com/overseer-sh/overseer/internal/state"
)

// suggestionThreshold is the minimum similarity for a "did you mean"
// suggestion on an unknown tool or action name.
const suggestionThreshold = 0.6

// ValidateRule checks a raw rule definition: trigger shape, action
// shape, and that every referenced tool and action exists in the
// registry. All problems are reported at once.
func (e *Engine) ValidateRule(raw map[string]any) error {
	rule, err := state.DecodeRule(raw)
	if err != nil {
		return &errors.ValidationError{Message: "rule does not decode", Errors: []string{err.Error()}}
	}

	var problems []string

	switch rule.Trigger.Type {
	case "":
		problems = append(problems, "trigger.type is required")
	case state.TriggerEntryAdded, state.TriggerEntryUpdated:
		if rule.Trigger.File == "" {
			problems = append(problems, fmt.Sprintf("trigger.file is required for %s triggers", rule.Trigger.Type))
		}
	case state.TriggerTime:
		if rule.Trigger.ClockTime() == "" {
			problems = append(problems, "time triggers need an at (HH:MM) value")
		}
	case state.TriggerInterval:
		if rule.Trigger.Minutes <= 0 {
			problems = append(problems, "interval triggers need minutes > 0")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown trigger type %q", rule.Trigger.Type))
	}

	if rule.Condition != "" {
		if _, err := e.eval.Evaluate(rule.Condition, map[string]any{"entry": map[string]any{}}); err != nil {
			problems = append(problems, fmt.Sprintf("condition: %v", err))
		}
	}

	problems = append(problems, e.validateActionSpec("action", rule.Action)...)
	for i, pa := range rule.PostActions {
		if pa.ForEach == "" {
			problems = append(problems, fmt.Sprintf("post_actions[%d].for_each is required", i))
		}
		problems = append(problems, e.validateActionSpec(fmt.Sprintf("post_actions[%d].action", i), pa.Action)...)
	}

	if len(problems) > 0 {
		return &errors.ValidationError{Message: "rule is invalid", Errors: problems}
	}
	return nil
}

func (e *Engine) validateActionSpec(path string, spec state.ActionSpec) []string {
	if len(spec.Steps) > 0 {
		return e.validateSteps(path+".steps", spec.Steps)
	}
	return e.validateToolRef(path, spec.Tool, spec.Name)
}

func (e *Engine) validateSteps(path string, steps []state.Step) []string {
	var problems []string
	for i, step := range steps {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if step.Type == "foreach" {
			if step.Array == "" {
				problems = append(problems, stepPath+": foreach steps need an array path")
			}
			if len(step.Steps) == 0 {
				problems = append(problems, stepPath+": foreach steps need sub-steps")
			} else {
				problems = append(problems, e.validateSteps(stepPath+".steps", step.Steps)...)
			}
			continue
		}
		problems = append(problems, e.validateToolRef(stepPath, step.Tool, step.Name)...)
	}
	return problems
}

func (e *Engine) validateToolRef(path, tool, action string) []string {
	var problems []string
	if tool == "" {
		return []string{path + ": tool is required"}
	}
	if action == "" {
		problems = append(problems, path+": action is required")
	}
	if e.registry == nil {
		return problems
	}

	if !e.registry.HasTool(tool) {
		msg := fmt.Sprintf("%s: unknown tool %q", path, tool)
		if suggestion := closestMatch(tool, e.registry.Tools()); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		return append(problems, msg)
	}

	if action != "" && !e.registry.HasAction(tool, action) {
		msg := fmt.Sprintf("%s: tool %q has no action %q", path, tool, action)
		if suggestion := closestMatch(action, e.registry.Actions(tool)); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}
		problems = append(problems, msg)
	}
	return problems
}

// closestMatch returns the single best candidate above the similarity
// threshold, or "" when nothing comes close.
func closestMatch(name string, candidates []string) string {
	best := ""
	bestScore := suggestionThreshold
	for _, c := range candidates {
		if score := similarity(name, c); score >= bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// similarity is the Ratcliff-Obershelp ratio: twice the matched
// character count over the combined length.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	return 2 * float64(matchingChars(a, b)) / float64(len(a)+len(b))
}

// matchingChars counts characters in the longest common substring plus
// the recursive matches on either side of it.
func matchingChars(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size +
		matchingChars(a[:ai], b[:bi]) +
		matchingChars(a[ai+size:], b[bi+size:])
}

func longestCommonSubstring(a, b string) (ai, bi, size int) {
	// lengths[j] holds the run length ending at a[i-1], b[j-1].
	lengths := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		prev := 0
		for j := 1; j <= len(b); j++ {
			cur := lengths[j]
			if a[i-1] == b[j-1] {
				lengths[j] = prev + 1
				if lengths[j] > size {
					size = lengths[j]
					ai = i - size
					bi = j - size
				}
			} else {
				lengths[j] = 0
			}
			prev = cur
		}
	}
	return ai, bi, size
}
