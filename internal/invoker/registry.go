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

package invoker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// toolMarker is the action value of a registry row that declares a tool
// and its script path, rather than one of the tool's actions.
const toolMarker = "__tool__"

// Registry is the parsed NDJSON tool registry: which tools exist, which
// actions each exposes, and the script path for registered tools.
type Registry struct {
	scripts map[string]string
	actions map[string]map[string]bool
}

type registryRow struct {
	Tool       string `json:"tool"`
	Action     string `json:"action"`
	ScriptPath string `json:"script_path,omitempty"`
}

// LoadRegistry parses the registry file. A missing file yields an empty
// registry, which routes every tool call directly to its script.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		scripts: make(map[string]string),
		actions: make(map[string]map[string]bool),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row registryRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("bad registry row at line %d: %w", lineNo, err)
		}
		if row.Tool == "" {
			continue
		}
		if row.Action == toolMarker {
			r.scripts[row.Tool] = row.ScriptPath
			continue
		}
		if row.Action != "" {
			if r.actions[row.Tool] == nil {
				r.actions[row.Tool] = make(map[string]bool)
			}
			r.actions[row.Tool][row.Action] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return r, nil
}

// IsRegistered reports whether the tool has a registry script entry and
// therefore routes through the hub.
func (r *Registry) IsRegistered(tool string) bool {
	_, ok := r.scripts[tool]
	return ok
}

// ScriptPath returns the registered script path for a tool.
func (r *Registry) ScriptPath(tool string) (string, bool) {
	p, ok := r.scripts[tool]
	return p, ok
}

// HasTool reports whether the tool appears anywhere in the registry.
func (r *Registry) HasTool(tool string) bool {
	if _, ok := r.scripts[tool]; ok {
		return true
	}
	_, ok := r.actions[tool]
	return ok
}

// HasAction reports whether the tool declares the action. A tool with a
// script entry but no declared actions accepts anything.
func (r *Registry) HasAction(tool, action string) bool {
	acts, ok := r.actions[tool]
	if !ok {
		return r.IsRegistered(tool)
	}
	return acts[action]
}

// Tools returns every known tool name, sorted.
func (r *Registry) Tools() []string {
	seen := make(map[string]bool, len(r.scripts)+len(r.actions))
	for t := range r.scripts {
		seen[t] = true
	}
	for t := range r.actions {
		seen[t] = true
	}
	tools := make([]string, 0, len(seen))
	for t := range seen {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	return tools
}

// Actions returns the declared actions for a tool, sorted.
func (r *Registry) Actions(tool string) []string {
	acts := make([]string, 0, len(r.actions[tool]))
	for a := range r.actions[tool] {
		acts = append(acts, a)
	}
	sort.Strings(acts)
	return acts
}
