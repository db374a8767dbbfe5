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

// Package resolve substitutes {placeholder} references in action
// parameters from an execution context.
//
// A parameter value that is exactly one placeholder is replaced by the
// referenced value with its type intact; when the reference cannot be
// resolved the key is dropped so the tool sees an absent parameter
// rather than a literal brace string. Placeholders embedded in a larger
// string are replaced by the value's string form, and left literal when
// unresolved.
package resolve

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches {name}, {name.path}, {name[0]} and
// combinations like {result.items[2].id}.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])*)\}`)

// Params resolves every placeholder in params against ctx, recursing
// into nested maps and slices. The input is not modified.
func Params(params map[string]any, ctx map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		resolved, keep := resolveValue(value, ctx)
		if keep {
			out[key] = resolved
		}
	}
	return out
}

// resolveValue resolves one parameter value. The second return is false
// only for a whole-placeholder string whose reference is missing, which
// tells the caller to drop the key.
func resolveValue(value any, ctx map[string]any) (any, bool) {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		return Params(v, ctx), true
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			resolved, keep := resolveValue(item, ctx)
			if keep {
				out = append(out, resolved)
			}
		}
		return out, true
	default:
		return value, true
	}
}

func resolveString(s string, ctx map[string]any) (any, bool) {
	// Whole-placeholder strings inject the referenced value typed.
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		value, ok := Lookup(m[1], ctx)
		if !ok {
			return nil, false
		}
		return value, true
	}

	replaced := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[1 : len(match)-1]
		value, ok := Lookup(path, ctx)
		if !ok {
			return match
		}
		return Stringify(value)
	})
	return replaced, true
}

// Lookup traverses a dotted path with optional [index] segments through
// maps and slices rooted at ctx.
func Lookup(path string, ctx map[string]any) (any, bool) {
	var current any = ctx
	for _, seg := range splitPath(path) {
		if seg.index >= 0 {
			list, ok := current.([]any)
			if !ok || seg.index >= len(list) {
				return nil, false
			}
			current = list[seg.index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg.name]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

type pathSegment struct {
	name  string
	index int
}

func splitPath(path string) []pathSegment {
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, pathSegment{name: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSegment{name: part[:open], index: -1})
			}
			close := strings.IndexByte(part, ']')
			idx, err := strconv.Atoi(part[open+1 : close])
			if err != nil {
				idx = 0
			}
			segs = append(segs, pathSegment{index: idx})
			part = part[close+1:]
		}
	}
	return segs
}

// Stringify renders a context value for embedding inside a string.
// Maps and slices render as compact JSON; everything else uses its
// natural form.
func Stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
