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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// ErrorKind is the closed set of failure categories a tool invocation can end in.
type ErrorKind string

const (
	// KindServerNotFound means no running worker exists for the requested name.
	KindServerNotFound ErrorKind = "server_not_found"
	// KindConnectionClosed means the worker's stdin or stdout closed mid-exchange.
	KindConnectionClosed ErrorKind = "connection_closed"
	// KindTimeout means no complete response arrived within the deadline.
	KindTimeout ErrorKind = "timeout"
	// KindProtocolError means the response line was not a valid response object.
	KindProtocolError ErrorKind = "protocol_error"
	// KindToolError means the worker reported an application-level failure.
	KindToolError ErrorKind = "tool_error"
	// KindPermissionDenied means the caller may not use this server or tool.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindLaunchFailed means the worker process could not be spawned.
	KindLaunchFailed ErrorKind = "launch_failed"
)

// Message returns the stable human-readable description of the kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindServerNotFound:
		return "tool server is not running"
	case KindConnectionClosed:
		return "connection to tool server closed"
	case KindTimeout:
		return "tool server did not respond in time"
	case KindProtocolError:
		return "tool server sent an invalid response"
	case KindToolError:
		return "tool reported an error"
	case KindPermissionDenied:
		return "permission denied"
	case KindLaunchFailed:
		return "tool server could not be started"
	default:
		return "unknown failure"
	}
}

// Diagnostic carries the detail behind a Failure.
type Diagnostic struct {
	// Raw is the offending response line, for protocol errors.
	Raw string `json:"raw,omitempty"`
	// ExitCode is the worker's exit status when it is known to have exited.
	ExitCode *int `json:"exit_code,omitempty"`
	// Stderr holds the most recent stderr lines of the worker.
	Stderr []string `json:"stderr,omitempty"`
	// Remote is the error member the worker returned, verbatim.
	Remote json.RawMessage `json:"remote,omitempty"`
	// Cause is the underlying Go error text.
	Cause string `json:"cause,omitempty"`
}

// Failure is the error half of a ToolResult.
type Failure struct {
	Kind    ErrorKind   `json:"kind"`
	Message string      `json:"message"`
	Detail  *Diagnostic `json:"detail,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Message == "" || f.Message == f.Kind.Message() {
		return f.Kind.Message()
	}
	return fmt.Sprintf("%s: %s", f.Kind.Message(), f.Message)
}

// Is reports whether target is a Failure of the same kind.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind && t.Message == ""
}

// ToolResult is the outcome of one invocation: either a Payload or a Failure.
type ToolResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool {
	return r.Failure == nil
}

// Err returns the failure as an error, or nil on success.
func (r ToolResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Decode unmarshals a successful payload into v.
func (r ToolResult) Decode(v any) error {
	if r.Failure != nil {
		return r.Failure
	}
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// Success builds a successful result.
func Success(payload json.RawMessage) ToolResult {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return ToolResult{Payload: payload}
}

// Fail builds a failed result of the given kind.
func Fail(kind ErrorKind, message string) ToolResult {
	return ToolResult{Failure: &Failure{Kind: kind, Message: message}}
}

// FailWith builds a failed result carrying diagnostic detail.
func FailWith(kind ErrorKind, message string, detail *Diagnostic) ToolResult {
	return ToolResult{Failure: &Failure{Kind: kind, Message: message, Detail: detail}}
}

// Classify maps a Go error raised while talking to a worker onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	var launchErr *LaunchError
	if errors.As(err, &launchErr) {
		return KindLaunchFailed
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, ErrConnectionClosed):
		return KindConnectionClosed
	case errors.Is(err, exec.ErrNotFound):
		return KindLaunchFailed
	case errors.Is(err, ErrServerNotFound):
		return KindServerNotFound
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindProtocolError
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return KindLaunchFailed
	}

	return KindConnectionClosed
}

// FromError converts an arbitrary error into a failed ToolResult.
func FromError(err error) ToolResult {
	var failure *Failure
	if errors.As(err, &failure) {
		return ToolResult{Failure: failure}
	}
	return FailWith(Classify(err), err.Error(), &Diagnostic{Cause: err.Error()})
}

// remoteMessage extracts a message from the error member of a response.
// Workers send either a bare string or an object with a "message" field.
func remoteMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Code    *int   `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		if obj.Code != nil {
			return fmt.Sprintf("%s (code %d)", obj.Message, *obj.Code)
		}
		return obj.Message
	}

	return strings.TrimSpace(string(raw))
}
