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

package shared

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overseer-sh/overseer/pkg/errors"
)

// AddParamsFlag registers the --params flag on a command. Every
// operation that takes a payload accepts it as one JSON object; "@file"
// reads the payload from a file and "-" reads it from stdin.
func AddParamsFlag(cmd *cobra.Command) *string {
	var params string
	cmd.Flags().StringVar(&params, "params", "", "Operation parameters as a JSON object (@file or - for stdin)")
	return &params
}

// DecodeParams parses a --params value. An empty value decodes to an
// empty object.
func DecodeParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var data []byte
	switch {
	case raw == "-":
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read params from stdin: %w", err)
		}
	case strings.HasPrefix(raw, "@"):
		var err error
		data, err = os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
	default:
		data = []byte(raw)
	}

	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, &errors.ValidationError{
			Field:   "params",
			Message: fmt.Sprintf("not a JSON object: %v", err),
		}
	}
	return params, nil
}

// StringParam reads an optional string field from a params object.
func StringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// IntParam reads an optional integer field from a params object.
func IntParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// MapParam reads an optional object field from a params object.
func MapParam(params map[string]any, key string) map[string]any {
	m, _ := params[key].(map[string]any)
	return m
}

// StringsParam reads an optional string array field from a params
// object.
func StringsParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
