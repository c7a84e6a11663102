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
	"strings"
)

var (
	// ErrServerNotFound is returned when no descriptor or worker exists for a name.
	ErrServerNotFound = errors.New("server not found")

	// ErrAlreadyRunning is returned by Start when a running worker already exists.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrServerDisabled is returned by Start for descriptors with Enabled=false.
	ErrServerDisabled = errors.New("server disabled")

	// ErrUnsupportedTransport is returned for descriptors whose transport is not line-delimited stdio.
	ErrUnsupportedTransport = errors.New("unsupported transport")

	// ErrConnectionClosed is returned when a worker's stdout reaches EOF.
	ErrConnectionClosed = errors.New("connection closed")
)

// LaunchError reports a worker that could not be spawned.
type LaunchError struct {
	// Server is the descriptor name.
	Server string
	// Command is the executable that was attempted.
	Command string
	// Cause is the underlying error.
	Cause error
	// Suggestions are actionable steps to resolve the error.
	Suggestions []string
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "failed to start server %q", e.Server)
	if e.Command != "" {
		fmt.Fprintf(&sb, " (command %q)", e.Command)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// Kind returns KindLaunchFailed.
func (e *LaunchError) Kind() ErrorKind {
	return KindLaunchFailed
}

// Suggestion returns the first suggestion, if any.
func (e *LaunchError) Suggestion() string {
	if len(e.Suggestions) == 0 {
		return ""
	}
	return e.Suggestions[0]
}

func newLaunchError(desc ServerDescriptor, cause error) *LaunchError {
	le := &LaunchError{Server: desc.Name, Command: desc.Command, Cause: cause}

	switch {
	case errors.Is(cause, ErrUnsupportedTransport):
		le.Suggestions = []string{"Set transport to " + string(TransportStdio)}
	case errors.Is(cause, ErrServerDisabled):
		le.Suggestions = []string{"Set enabled: true for " + desc.Name}
	default:
		le.Suggestions = []string{
			"Verify the command is installed and in your PATH",
			"Use an absolute path for the command",
		}
		switch desc.Command {
		case "python", "python3", "uvx":
			le.Suggestions = append(le.Suggestions, "Install Python: https://python.org/")
		case "node", "npx":
			le.Suggestions = append(le.Suggestions, "Install Node.js: https://nodejs.org/")
		}
	}
	return le
}

// ConfigError reports a descriptor source that could not be read or parsed.
type ConfigError struct {
	// Path is the file the descriptors were read from, if any.
	Path string
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid server configuration: %v", e.Cause)
	}
	return fmt.Sprintf("invalid server configuration in %s: %v", e.Path, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
