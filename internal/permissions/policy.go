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


// Package permissions decides which callers may invoke which tools.
//
// A Policy maps role names to the servers and tool patterns each role may
// use. Patterns are doublestar globs. Blocked patterns are written
// "server/tool" and take precedence over anything allowed. Tool names are
// flat, so a "/" inside a tool name is an ordinary character.
package permissions

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Role lists what one role may call.
type Role struct {
	// Servers maps a server name pattern to the tool patterns allowed on it.
	// An empty tool list allows every tool on that server. An empty map
	// allows every server.
	Servers map[string][]string `yaml:"servers,omitempty" json:"servers,omitempty"`

	// Blocked are "server/tool" patterns that are always denied. The part
	// before the first "/" matches the server and the rest matches the tool.
	// A pattern without "/" blocks the whole server.
	Blocked []string `yaml:"blocked,omitempty" json:"blocked,omitempty"`
}

// Policy is the full capability table.
type Policy struct {
	Roles map[string]Role `yaml:"roles,omitempty" json:"roles,omitempty"`

	// DefaultRole is used when a call carries no role.
	DefaultRole string `yaml:"default_role,omitempty" json:"default_role,omitempty"`
}

// denyAllRole is the only role of the policy returned by DenyAll.
const denyAllRole = "deny-all"

// DenyAll returns a policy that refuses every call from every role.
func DenyAll() *Policy {
	return &Policy{
		DefaultRole: denyAllRole,
		Roles:       map[string]Role{denyAllRole: {Blocked: []string{"**"}}},
	}
}

// Empty reports whether the policy restricts nothing.
func (p *Policy) Empty() bool {
	return p == nil || len(p.Roles) == 0
}

// RoleNames returns the configured role names, sorted.
func (p *Policy) RoleNames() []string {
	if p == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(p.Roles))
}

// IsPermitted reports whether role may call tool on server.
func (p *Policy) IsPermitted(role, server, tool string) bool {
	return p.Check(role, server, tool) == nil
}

// Check returns a *PermissionError when role may not call tool on server.
// An empty policy permits everything.
func (p *Policy) Check(role, server, tool string) error {
	if p.Empty() {
		return nil
	}
	if role == "" {
		role = p.DefaultRole
	}

	r, ok := p.Roles[role]
	if !ok {
		return &PermissionError{
			Type:     "role.unknown",
			Role:     role,
			Resource: server + "/" + tool,
			Message:  "role has no permissions",
		}
	}

	target := server + "/" + tool
	for _, pattern := range r.Blocked {
		if matchBlocked(pattern, server, tool) {
			return &PermissionError{
				Type:     "tools.blocked",
				Role:     role,
				Resource: target,
				Blocked:  r.Blocked,
				Message:  "tool is in blocked list",
			}
		}
	}

	if len(r.Servers) == 0 {
		return nil
	}

	var allowed []string
	serverMatched := false
	for _, serverPattern := range slices.Sorted(maps.Keys(r.Servers)) {
		if !matches(serverPattern, server) {
			continue
		}
		serverMatched = true
		tools := r.Servers[serverPattern]
		if len(tools) == 0 {
			return nil
		}
		for _, toolPattern := range tools {
			if matchTool(toolPattern, tool) {
				return nil
			}
		}
		allowed = append(allowed, tools...)
	}

	if !serverMatched {
		return &PermissionError{
			Type:     "servers.denied",
			Role:     role,
			Resource: server,
			Allowed:  slices.Sorted(maps.Keys(r.Servers)),
			Message:  "server not in allowed patterns",
		}
	}
	return &PermissionError{
		Type:     "tools.denied",
		Role:     role,
		Resource: target,
		Allowed:  allowed,
		Message:  "tool not in allowed patterns",
	}
}

// Validate reports the first malformed pattern in the policy.
func (p *Policy) Validate() error {
	if p == nil {
		return nil
	}
	for _, name := range p.RoleNames() {
		r := p.Roles[name]
		for server, tools := range r.Servers {
			for _, pattern := range append([]string{server}, tools...) {
				if !doublestar.ValidatePattern(pattern) {
					return &PermissionError{Type: "policy.invalid", Role: name, Resource: pattern, Message: "invalid pattern"}
				}
			}
		}
		for _, pattern := range r.Blocked {
			if !doublestar.ValidatePattern(pattern) {
				return &PermissionError{Type: "policy.invalid", Role: name, Resource: pattern, Message: "invalid pattern"}
			}
		}
	}
	if p.DefaultRole != "" {
		if _, ok := p.Roles[p.DefaultRole]; !ok {
			return &PermissionError{Type: "policy.invalid", Role: p.DefaultRole, Message: "default role is not defined"}
		}
	}
	return nil
}

// matches reports whether name matches pattern. Invalid patterns only match exactly.
func matches(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}

// matchBlocked splits pattern at its first "/" and matches each half.
func matchBlocked(pattern, server, tool string) bool {
	serverPattern, toolPattern, ok := strings.Cut(pattern, "/")
	if !matches(serverPattern, server) {
		return false
	}
	return !ok || matchTool(toolPattern, tool)
}

// toolSep stands in for "/" so globs treat a tool name as one segment.
const toolSep = "\x00"

// matchTool matches a tool name, letting wildcards cross "/".
func matchTool(pattern, tool string) bool {
	if pattern == tool {
		return true
	}
	return matches(strings.ReplaceAll(pattern, "/", toolSep), strings.ReplaceAll(tool, "/", toolSep))
}

type roleKey struct{}

// WithRole attaches the caller's role to ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the role attached by WithRole, or "".
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}
