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


package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// PermissionError describes a denied call. It names the role and resource
// but never whether the server or tool exists.
type PermissionError struct {
	// Type is the rule that denied access (e.g. "tools.blocked")
	Type string

	// Role is the caller's effective role
	Role string

	// Resource is the server or "server/tool" that was denied
	Resource string

	// Allowed is the list of allowed patterns
	Allowed []string

	// Blocked is the list of blocked patterns
	Blocked []string

	// Message provides additional context
	Message string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	parts := []string{fmt.Sprintf("permission denied: %s", e.Type)}

	if e.Role != "" {
		parts = append(parts, fmt.Sprintf("role: %s", e.Role))
	}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource: %s", e.Resource))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.Allowed) > 0 {
		parts = append(parts, fmt.Sprintf("allowed patterns: [%s]", strings.Join(e.Allowed, ", ")))
	}
	if len(e.Blocked) > 0 {
		parts = append(parts, fmt.Sprintf("blocked patterns: [%s]", strings.Join(e.Blocked, ", ")))
	}

	return strings.Join(parts, "; ")
}

// IsPermissionError returns true if err is or wraps a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
