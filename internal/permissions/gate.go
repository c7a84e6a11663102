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
	"context"
	"log/slog"

	"github.com/tombee/toolhost/internal/toolserver"
)

// Gate wraps an Invoker and refuses calls the policy does not permit.
// Refused calls never reach the worker.
type Gate struct {
	next   toolserver.Invoker
	policy *Policy
	logger *slog.Logger
}

// NewGate returns a Gate in front of next.
func NewGate(next toolserver.Invoker, policy *Policy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{next: next, policy: policy, logger: logger}
}

// Invoke checks the role carried by ctx before delegating.
func (g *Gate) Invoke(ctx context.Context, server, tool string, args any) toolserver.ToolResult {
	role := RoleFromContext(ctx)
	if err := g.policy.Check(role, server, tool); err != nil {
		g.logger.Warn("tool invocation denied",
			"role", role,
			"server", server,
			"tool", tool,
			"error", err)
		return toolserver.Fail(toolserver.KindPermissionDenied, err.Error())
	}
	return g.next.Invoke(ctx, server, tool, args)
}
