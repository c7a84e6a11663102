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
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Source supplies server descriptors, typically from a config file.
type Source interface {
	Load() ([]ServerDescriptor, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() ([]ServerDescriptor, error)

// Load calls f.
func (f SourceFunc) Load() ([]ServerDescriptor, error) {
	return f()
}

// Registry holds the configured descriptors, keyed by name.
type Registry struct {
	// descs maps server name to its normalized descriptor
	descs map[string]ServerDescriptor

	logger *slog.Logger

	// mu protects descs
	mu sync.RWMutex
}

// Diff describes how a Replace changed the registry.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// NewRegistry builds a registry from descs. Invalid and duplicate entries are
// logged and skipped; the first occurrence of a name wins.
func NewRegistry(descs []ServerDescriptor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.descs = r.build(descs)
	return r
}

// LoadRegistry builds a registry from src. A source failure is returned as a
// *ConfigError together with an empty, usable registry.
func LoadRegistry(src Source, logger *slog.Logger) (*Registry, error) {
	descs, err := src.Load()
	if err != nil {
		return NewRegistry(nil, logger), asConfigError(err)
	}
	return NewRegistry(descs, logger), nil
}

func asConfigError(err error) error {
	if _, ok := err.(*ConfigError); ok {
		return err
	}
	return &ConfigError{Cause: err}
}

func (r *Registry) build(descs []ServerDescriptor) map[string]ServerDescriptor {
	out := make(map[string]ServerDescriptor, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			r.logger.Warn("skipping invalid server descriptor", "server", d.Name, "error", err)
			continue
		}
		if _, dup := out[d.Name]; dup {
			r.logger.Warn("skipping duplicate server descriptor", "server", d.Name)
			continue
		}
		out[d.Name] = d.Normalize()
	}
	return out
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

// All returns every descriptor, sorted by name.
func (r *Registry) All() []ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerDescriptor, 0, len(r.descs))
	for _, name := range slices.Sorted(maps.Keys(r.descs)) {
		out = append(out, r.descs[name])
	}
	return out
}

// Names returns every descriptor name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.descs))
}

// Len returns the number of descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs)
}

// Replace swaps in a new descriptor set and reports what changed.
func (r *Registry) Replace(descs []ServerDescriptor) Diff {
	next := r.build(descs)

	r.mu.Lock()
	prev := r.descs
	r.descs = next
	r.mu.Unlock()

	var diff Diff
	for _, name := range slices.Sorted(maps.Keys(next)) {
		old, existed := prev[name]
		switch {
		case !existed:
			diff.Added = append(diff.Added, name)
		case !old.Equal(next[name]):
			diff.Changed = append(diff.Changed, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(prev)) {
		if _, kept := next[name]; !kept {
			diff.Removed = append(diff.Removed, name)
		}
	}
	return diff
}
