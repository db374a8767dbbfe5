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

package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWholePlaceholderKeepsType(t *testing.T) {
	ctx := map[string]any{
		"entry": map[string]any{
			"count":  float64(7),
			"tags":   []any{"a", "b"},
			"nested": map[string]any{"id": "x1"},
		},
	}

	out := Params(map[string]any{
		"count": "{entry.count}",
		"tags":  "{entry.tags}",
		"inner": "{entry.nested}",
	}, ctx)

	assert.Equal(t, float64(7), out["count"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, map[string]any{"id": "x1"}, out["inner"])
}

func TestWholePlaceholderUnresolvedDropsKey(t *testing.T) {
	out := Params(map[string]any{
		"present": "{entry.id}",
		"missing": "{entry.nope}",
	}, map[string]any{"entry": map[string]any{"id": "msg_1"}})

	assert.Equal(t, "msg_1", out["present"])
	_, ok := out["missing"]
	assert.False(t, ok, "unresolved whole placeholder must drop the key")
}

func TestPartialPlaceholderSubstitutesString(t *testing.T) {
	ctx := map[string]any{
		"entry": map[string]any{"subject": "status report", "count": float64(3)},
	}

	out := Params(map[string]any{
		"message": "re: {entry.subject} ({entry.count} items)",
	}, ctx)

	assert.Equal(t, "re: status report (3 items)", out["message"])
}

func TestPartialPlaceholderUnresolvedStaysLiteral(t *testing.T) {
	out := Params(map[string]any{
		"message": "hello {entry.missing}!",
	}, map[string]any{"entry": map[string]any{}})

	assert.Equal(t, "hello {entry.missing}!", out["message"])
}

func TestIndexedLookup(t *testing.T) {
	ctx := map[string]any{
		"result": map[string]any{
			"items": []any{
				map[string]any{"id": "first"},
				map[string]any{"id": "second"},
			},
		},
	}

	out := Params(map[string]any{
		"pick": "{result.items[1].id}",
	}, ctx)
	assert.Equal(t, "second", out["pick"])

	out = Params(map[string]any{
		"oob": "{result.items[5].id}",
	}, ctx)
	_, ok := out["oob"]
	assert.False(t, ok)
}

func TestNestedParamsResolved(t *testing.T) {
	ctx := map[string]any{"item": map[string]any{"name": "widget"}}

	out := Params(map[string]any{
		"outer": map[string]any{
			"label": "{item.name}",
			"list":  []any{"{item.name}", "literal"},
		},
	}, ctx)

	inner := out["outer"].(map[string]any)
	assert.Equal(t, "widget", inner["label"])
	assert.Equal(t, []any{"widget", "literal"}, inner["list"])
}

func TestNonStringScalarsPassThrough(t *testing.T) {
	out := Params(map[string]any{
		"n":    float64(42),
		"flag": true,
		"none": nil,
	}, map[string]any{})

	assert.Equal(t, float64(42), out["n"])
	assert.Equal(t, true, out["flag"])
	assert.Contains(t, out, "none")
	assert.Nil(t, out["none"])
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "3.5", Stringify(3.5))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "null", Stringify(nil))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
