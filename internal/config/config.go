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


// Package config loads tool-server descriptors and the settings that travel
// with them from a YAML file.
//
// Two layouts are accepted. The native one:
//
//	defaults:
//	  timeout: 30s
//	servers:
//	  files:
//	    command: files-server
//	    args: ["--root", "/srv"]
//	    env: {TOKEN: "${FILES_TOKEN}"}
//
// and the legacy JSON one, which YAML parses as-is:
//
//	{"mcpServers": {"files": {"command": "files-server", "disabled": false}}}
//
// The servers section may be a map keyed by name or a list of entries that
// carry a name field.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/toolhost/internal/permissions"
	"github.com/tombee/toolhost/internal/toolserver"
)

// Config is a parsed descriptor file.
type Config struct {
	// Path is the file the config was read from. Empty for in-memory configs.
	Path string

	Servers     []toolserver.ServerDescriptor
	Permissions *permissions.Policy
	Journal     JournalConfig
	Telemetry   TelemetryConfig

	// Problems lists entries that were skipped or replaced while loading.
	Problems []Problem
}

// JournalConfig controls the exchange journal.
type JournalConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`

	// MaxAge prunes older entries while serving; zero keeps everything.
	MaxAge Duration `yaml:"max_age"`
}

// TelemetryConfig selects where invoke spans go.
type TelemetryConfig struct {
	// Traces is one of "none", "stdout", "otlp-http" or "otlp-grpc".
	Traces   string `yaml:"traces"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Problem is one entry that could not be used.
type Problem struct {
	Server string
	Err    error
}

func (p Problem) Error() string {
	if p.Server == "" {
		return p.Err.Error()
	}
	return fmt.Sprintf("server %s: %v", p.Server, p.Err)
}

func (p Problem) Unwrap() error { return p.Err }

type rawFile struct {
	Servers     yaml.Node           `yaml:"servers"`
	MCPServers  yaml.Node           `yaml:"mcpServers"`
	Defaults    rawDefaults         `yaml:"defaults"`
	Permissions *permissions.Policy `yaml:"permissions"`
	Journal     JournalConfig       `yaml:"journal"`
	Telemetry   TelemetryConfig     `yaml:"telemetry"`
}

type rawDefaults struct {
	Timeout   *Duration `yaml:"timeout"`
	RateLimit float64   `yaml:"rate_limit"`
	Env       EnvMap    `yaml:"env"`
}

type rawServer struct {
	Name      string    `yaml:"name"`
	Command   string    `yaml:"command"`
	Args      []string  `yaml:"args"`
	Env       EnvMap    `yaml:"env"`
	Enabled   *bool     `yaml:"enabled"`
	Disabled  *bool     `yaml:"disabled"`
	Transport string    `yaml:"transport"`
	Timeout   *Duration `yaml:"timeout"`
	RateLimit *float64  `yaml:"rate_limit"`
}

// Load reads path. A missing file yields an empty config, not an error.
// Read and syntax errors are returned as *toolserver.ConfigError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{Path: path}, nil
	}
	if err != nil {
		return nil, &toolserver.ConfigError{Path: path, Cause: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, &toolserver.ConfigError{Path: path, Cause: err}
	}
	cfg.Path = path
	if cfg.Journal.Path != "" && !filepath.IsAbs(cfg.Journal.Path) {
		cfg.Journal.Path = filepath.Join(filepath.Dir(path), cfg.Journal.Path)
	}
	return cfg, nil
}

// Parse decodes a config document. Entries that fail to decode are recorded
// in Problems and skipped. An invalid permissions block is recorded too and
// replaced by a policy that denies every call.
func Parse(data []byte) (*Config, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	cfg := &Config{
		Permissions: raw.Permissions,
		Journal:     raw.Journal,
		Telemetry:   raw.Telemetry,
	}

	if err := raw.Permissions.Validate(); err != nil {
		cfg.Problems = append(cfg.Problems, Problem{Err: fmt.Errorf("permissions: %w", err)})
		cfg.Permissions = permissions.DenyAll()
	}

	for _, section := range []*yaml.Node{&raw.Servers, &raw.MCPServers} {
		entries, problems := decodeServers(section)
		cfg.Problems = append(cfg.Problems, problems...)
		for _, e := range entries {
			cfg.Servers = append(cfg.Servers, e.descriptor(raw.Defaults))
		}
	}
	return cfg, nil
}

func decodeServers(node *yaml.Node) ([]rawServer, []Problem) {
	var (
		out      []rawServer
		problems []Problem
	)
	switch node.Kind {
	case 0:
		return nil, nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			var rs rawServer
			if err := node.Content[i+1].Decode(&rs); err != nil {
				problems = append(problems, Problem{Server: name, Err: err})
				continue
			}
			rs.Name = name
			out = append(out, rs)
		}

	case yaml.SequenceNode:
		for i, item := range node.Content {
			var rs rawServer
			if err := item.Decode(&rs); err != nil {
				problems = append(problems, Problem{Server: fmt.Sprintf("#%d", i), Err: err})
				continue
			}
			if rs.Name == "" {
				problems = append(problems, Problem{Server: fmt.Sprintf("#%d", i), Err: errors.New("name is required")})
				continue
			}
			out = append(out, rs)
		}

	default:
		problems = append(problems, Problem{Err: fmt.Errorf("line %d: servers must be a map or a list", node.Line)})
	}
	return out, problems
}

func (rs rawServer) descriptor(defaults rawDefaults) toolserver.ServerDescriptor {
	enabled := true
	if rs.Disabled != nil {
		enabled = !*rs.Disabled
	}
	if rs.Enabled != nil {
		enabled = *rs.Enabled
	}

	env := make(map[string]string, len(defaults.Env)+len(rs.Env))
	maps.Copy(env, defaults.Env)
	maps.Copy(env, rs.Env)
	for k, v := range env {
		env[k] = os.ExpandEnv(v)
	}
	if len(env) == 0 {
		env = nil
	}

	d := toolserver.ServerDescriptor{
		Name:      rs.Name,
		Command:   rs.Command,
		Args:      rs.Args,
		Env:       env,
		Enabled:   enabled,
		Transport: toolserver.TransportKind(rs.Transport),
		RateLimit: defaults.RateLimit,
	}
	if defaults.Timeout != nil {
		d.Timeout = time.Duration(*defaults.Timeout)
	}
	if rs.Timeout != nil {
		d.Timeout = time.Duration(*rs.Timeout)
	}
	if rs.RateLimit != nil {
		d.RateLimit = *rs.RateLimit
	}
	return d.Normalize()
}

// Duration accepts a number of seconds or a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timeout must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!int", "!!float":
		secs, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// EnvMap accepts a mapping or a list of KEY=VALUE strings.
type EnvMap map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *EnvMap) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		m := map[string]string{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		*e = m
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		m := make(map[string]string, len(list))
		for _, kv := range list {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("line %d: environment variable must be in KEY=VALUE format", node.Line)
			}
			m[k] = v
		}
		*e = m
	default:
		return fmt.Errorf("line %d: env must be a map or a list", node.Line)
	}
	return nil
}

// FileSource reads descriptors from a config file on every Load.
type FileSource struct {
	Path   string
	Logger *slog.Logger
}

// Load implements toolserver.Source. Skipped entries are logged.
func (s FileSource) Load() ([]toolserver.ServerDescriptor, error) {
	cfg, err := Load(s.Path)
	if err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range cfg.Problems {
		logger.Warn("config problem", "path", s.Path, "server", p.Server, "error", p.Err)
	}
	return cfg.Servers, nil
}

// JournalPath returns where the exchange journal lives, or "" when disabled.
func (c *Config) JournalPath() (string, error) {
	if c.Journal.Disabled {
		return "", nil
	}
	if c.Journal.Path != "" {
		return c.Journal.Path, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.db"), nil
}
