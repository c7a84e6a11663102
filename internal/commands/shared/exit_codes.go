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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tombee/toolhost/internal/toolserver"
)

// Exit codes. Invocation failures get one code per failure kind so scripts
// can branch without parsing output.
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitInvalidConfig    = 2
	ExitServerNotFound   = 3
	ExitConnectionClosed = 4
	ExitTimeout          = 5
	ExitProtocolError    = 6
	ExitToolError        = 7
	ExitPermissionDenied = 8
	ExitLaunchFailed     = 9
)

// ExitCodeForKind maps a failure kind to its exit code.
func ExitCodeForKind(kind toolserver.ErrorKind) int {
	switch kind {
	case toolserver.KindServerNotFound:
		return ExitServerNotFound
	case toolserver.KindConnectionClosed:
		return ExitConnectionClosed
	case toolserver.KindTimeout:
		return ExitTimeout
	case toolserver.KindProtocolError:
		return ExitProtocolError
	case toolserver.KindToolError:
		return ExitToolError
	case toolserver.KindPermissionDenied:
		return ExitPermissionDenied
	case toolserver.KindLaunchFailed:
		return ExitLaunchFailed
	default:
		return ExitFailure
	}
}

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for unreadable or invalid configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: msg, Cause: cause}
}

// NewFailureError creates an error for a failed invocation
func NewFailureError(f *toolserver.Failure) *ExitError {
	return &ExitError{Code: ExitCodeForKind(f.Kind), Message: f.Error()}
}

// NewLaunchError creates an error for a server that could not be started
func NewLaunchError(err *toolserver.LaunchError) *ExitError {
	return &ExitError{Code: ExitLaunchFailed, Message: "failed to start server", Cause: err}
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(reportError(os.Stderr, err))
}

// reportError writes err and any suggestion to w and returns the exit code.
func reportError(w io.Writer, err error) int {
	code := ExitFailure
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	} else if errors.As(err, new(*toolserver.ConfigError)) {
		code = ExitInvalidConfig
	}

	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, "Error:", msg)
	}
	printSuggestion(w, err)
	return code
}

// printSuggestion walks the chain for an error that offers a suggestion.
func printSuggestion(w io.Writer, err error) {
	var s interface{ Suggestion() string }
	if errors.As(err, &s) {
		if suggestion := s.Suggestion(); suggestion != "" {
			fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
		}
	}
}
