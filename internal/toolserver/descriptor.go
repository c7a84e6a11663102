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

package toolserver

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// DefaultTimeout is the per-request deadline used when a descriptor sets none.
const DefaultTimeout = 60 * time.Second

// TransportKind names the wire a worker speaks.
type TransportKind string

// TransportStdio is one JSON object per line over stdin/stdout.
const TransportStdio TransportKind = "line-delimited-stdio"

// NameRegex constrains server names.
var NameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]{0,63}$`)

// ServerDescriptor is the static description of one tool server.
// It is treated as an immutable value once loaded.
type ServerDescriptor struct {
	Name      string            `json:"name" yaml:"name"`
	Command   string            `json:"command" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Enabled   bool              `json:"enabled" yaml:"enabled"`
	Transport TransportKind     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// RateLimit caps invocations per second; zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Normalize fills defaults: stdio transport and DefaultTimeout.
func (d ServerDescriptor) Normalize() ServerDescriptor {
	switch strings.ToLower(string(d.Transport)) {
	case "", "stdio":
		d.Transport = TransportStdio
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	d.Args = slices.Clone(d.Args)
	d.Env = maps.Clone(d.Env)
	return d
}

// Validate checks the fields every descriptor must carry.
func (d ServerDescriptor) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("server name is required"))
	} else if !NameRegex.MatchString(d.Name) {
		errs = append(errs, fmt.Errorf("invalid server name %q", d.Name))
	}
	if strings.TrimSpace(d.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if d.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// SupportsStdio reports whether the supervisor can drive this descriptor.
func (d ServerDescriptor) SupportsStdio() bool {
	return d.Transport == TransportStdio
}

// Equal reports whether two descriptors would spawn the same worker.
func (d ServerDescriptor) Equal(o ServerDescriptor) bool {
	return d.Name == o.Name &&
		d.Command == o.Command &&
		slices.Equal(d.Args, o.Args) &&
		maps.Equal(d.Env, o.Env) &&
		d.Enabled == o.Enabled &&
		d.Transport == o.Transport &&
		d.Timeout == o.Timeout &&
		d.RateLimit == o.RateLimit
}

// Environ returns the host environment with the descriptor's Env merged on top.
// Later entries win, so descriptor values override inherited ones.
func (d ServerDescriptor) Environ() []string {
	return mergeEnv(os.Environ(), d.Env)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		out = append(out, key+"="+overrides[key])
	}
	return out
}
