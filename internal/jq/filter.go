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


// Package jq applies jq expressions to tool result payloads.
package jq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout is the default evaluation timeout.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the default maximum payload size (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Filter is a compiled jq expression.
type Filter struct {
	expr         string
	code         *gojq.Code
	timeout      time.Duration
	maxInputSize int
}

// Compile parses and compiles expression. Zero limits take the defaults.
func Compile(expression string, timeout time.Duration, maxInputSize int) (*Filter, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return &Filter{
		expr:         expression,
		code:         code,
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Apply runs the filter over a JSON payload and returns every output value.
func (f *Filter) Apply(ctx context.Context, payload json.RawMessage) ([]any, error) {
	if len(payload) > f.maxInputSize {
		return nil, fmt.Errorf("payload size (%d bytes) exceeds maximum (%d bytes)", len(payload), f.maxInputSize)
	}

	var input any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &input); err != nil {
			return nil, fmt.Errorf("payload is not JSON: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var out []any
	iter := f.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("execution timeout after %v", f.timeout)
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
