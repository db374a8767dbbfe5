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

// Package query evaluates jq filter expressions against command output,
// backing the --filter flag on query-style operations.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds filter execution. Filters run over in-memory
// documents, so a second is generous.
const DefaultTimeout = 1 * time.Second

// Executor evaluates jq filter expressions with timeout protection.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor. A zero timeout uses DefaultTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Execute runs a jq filter against data. An empty filter returns data
// unchanged. A filter producing one value returns it directly; multiple
// values come back as an array.
func (e *Executor) Execute(ctx context.Context, filter string, data any) (any, error) {
	if filter == "" {
		return data, nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("filter compilation failed: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)
	go func() {
		iter := code.Run(data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultChan <- nil
		case 1:
			resultChan <- results[0]
		default:
			resultChan <- results
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("filter timeout after %v", e.timeout)
	}
}

// Validate checks a filter expression without running it.
func (e *Executor) Validate(filter string) error {
	if filter == "" {
		return nil
	}
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("filter compilation failed: %w", err)
	}
	return nil
}
