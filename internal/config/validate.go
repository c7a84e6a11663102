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


package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/tombee/toolhost/internal/toolserver"
)

var envKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// sensitiveKeyPatterns are substrings that mark an env value as secret.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH",
}

// ValidateCommand checks that cmd resolves to an executable file.
func ValidateCommand(cmd string) error {
	if cmd == "" {
		return errors.New("command is required")
	}

	if filepath.IsAbs(cmd) || strings.ContainsRune(cmd, filepath.Separator) {
		info, err := os.Stat(cmd)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("command not found: %s", cmd)
			}
			return fmt.Errorf("cannot access command: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("command is a directory: %s", cmd)
		}
		if info.Mode()&0111 == 0 {
			return fmt.Errorf("command is not executable: %s", cmd)
		}
		return nil
	}

	if _, err := exec.LookPath(cmd); err != nil {
		return fmt.Errorf("command not found in PATH: %s", cmd)
	}
	return nil
}

// ValidateEnvKey checks that key is a portable environment variable name.
func ValidateEnvKey(key string) error {
	if key == "" {
		return errors.New("environment variable key is required")
	}
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid environment variable key: %s", key)
	}
	return nil
}

// IsSensitiveEnvKey returns true if the key appears to contain sensitive data.
func IsSensitiveEnvKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv renders env as sorted KEY=VALUE pairs with secret values hidden.
func RedactEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		if IsSensitiveEnvKey(k) {
			out = append(out, k+"=***REDACTED***")
			continue
		}
		out = append(out, k+"="+env[k])
	}
	return out
}

// Finding is one validation result for a server.
type Finding struct {
	Server string `json:"server"`
	Level  string `json:"level"`
	Detail string `json:"detail"`
}

const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Validate reports everything wrong with the config: skipped entries,
// invalid descriptors, duplicate names, unresolvable commands and bad env keys.
func (c *Config) Validate() []Finding {
	var findings []Finding
	for _, p := range c.Problems {
		findings = append(findings, Finding{Server: p.Server, Level: LevelError, Detail: p.Err.Error()})
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, d := range c.Servers {
		if seen[d.Name] {
			findings = append(findings, Finding{Server: d.Name, Level: LevelError, Detail: "duplicate server name; first entry wins"})
			continue
		}
		seen[d.Name] = true

		if err := d.Validate(); err != nil {
			for _, e := range unjoin(err) {
				findings = append(findings, Finding{Server: d.Name, Level: LevelError, Detail: e.Error()})
			}
			continue
		}
		if !d.SupportsStdio() {
			findings = append(findings, Finding{Server: d.Name, Level: LevelWarning, Detail: fmt.Sprintf("transport %q is not supported; server will be skipped", d.Transport)})
		}
		if !d.Enabled {
			continue
		}
		if err := ValidateCommand(d.Command); err != nil {
			findings = append(findings, Finding{Server: d.Name, Level: LevelWarning, Detail: err.Error()})
		}
		for _, k := range slices.Sorted(maps.Keys(d.Env)) {
			if err := ValidateEnvKey(k); err != nil {
				findings = append(findings, Finding{Server: d.Name, Level: LevelWarning, Detail: err.Error()})
			}
		}
	}
	return findings
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []Finding) bool {
	return slices.ContainsFunc(findings, func(f Finding) bool { return f.Level == LevelError })
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// Descriptors returns the servers as a toolserver.Source.
func (c *Config) Descriptors() toolserver.SourceFunc {
	return func() ([]toolserver.ServerDescriptor, error) {
		return c.Servers, nil
	}
}
