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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolhost/internal/log"
	"github.com/tombee/toolhost/internal/toolserver"
)

func testPolicy() *Policy {
	return &Policy{
		DefaultRole: "reader",
		Roles: map[string]Role{
			"admin": {},
			"reader": {
				Servers: map[string][]string{
					"files":  {"read_*", "list"},
					"search": nil,
				},
			},
			"ops": {
				Servers: map[string][]string{"*": nil},
				Blocked: []string{"*/delete_*", "db/drop"},
			},
		},
	}
}

func TestPolicy_Check(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name    string
		role    string
		server  string
		tool    string
		allowed bool
		errType string
	}{
		{name: "admin allows everything", role: "admin", server: "db", tool: "drop", allowed: true},
		{name: "tool glob match", role: "reader", server: "files", tool: "read_file", allowed: true},
		{name: "tool exact match", role: "reader", server: "files", tool: "list", allowed: true},
		{name: "tool not listed", role: "reader", server: "files", tool: "write_file", errType: "tools.denied"},
		{name: "empty tool list allows all", role: "reader", server: "search", tool: "query", allowed: true},
		{name: "server not listed", role: "reader", server: "db", tool: "query", errType: "servers.denied"},
		{name: "default role applies", role: "", server: "files", tool: "read_file", allowed: true},
		{name: "unknown role", role: "guest", server: "files", tool: "list", errType: "role.unknown"},
		{name: "blocked wins over wildcard", role: "ops", server: "files", tool: "delete_file", errType: "tools.blocked"},
		{name: "blocked exact", role: "ops", server: "db", tool: "drop", errType: "tools.blocked"},
		{name: "wildcard server", role: "ops", server: "db", tool: "query", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.role, tt.server, tt.tool)
			if tt.allowed {
				assert.NoError(t, err)
				assert.True(t, p.IsPermitted(tt.role, tt.server, tt.tool))
				return
			}
			require.Error(t, err)
			var pe *PermissionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.errType, pe.Type)
			assert.True(t, IsPermissionError(err))
		})
	}
}

func TestPolicy_BlockedToolNameWithSlash(t *testing.T) {
	p := &Policy{Roles: map[string]Role{
		"ops": {
			Servers: map[string][]string{"files": nil, "db": nil},
			Blocked: []string{"files/*", "db/admin/*"},
		},
		"whole": {Blocked: []string{"db"}},
	}}

	for _, tool := range []string{"admin/delete", "a/b/c", "read"} {
		var pe *PermissionError
		require.ErrorAs(t, p.Check("ops", "files", tool), &pe, tool)
		assert.Equal(t, "tools.blocked", pe.Type)
		assert.Equal(t, "files/"+tool, pe.Resource)
	}

	assert.False(t, p.IsPermitted("ops", "db", "admin/drop"))
	assert.False(t, p.IsPermitted("ops", "db", "admin/x/y"))
	assert.True(t, p.IsPermitted("ops", "db", "query"))
	assert.True(t, p.IsPermitted("ops", "db", "admin"))

	assert.False(t, p.IsPermitted("whole", "db", "query"))
	assert.False(t, p.IsPermitted("whole", "db", "x/y"))
	assert.True(t, p.IsPermitted("whole", "files", "x/y"))
}

func TestPolicy_AllowedToolNameWithSlash(t *testing.T) {
	p := &Policy{Roles: map[string]Role{
		"reader": {Servers: map[string][]string{"files": {"read_*"}}},
	}}
	assert.True(t, p.IsPermitted("reader", "files", "read_dir/nested"))
	assert.False(t, p.IsPermitted("reader", "files", "write/read_x"))
}

func TestDenyAll(t *testing.T) {
	p := DenyAll()
	assert.False(t, p.Empty())
	assert.NoError(t, p.Validate())
	for _, role := range []string{"", "admin", "deny-all"} {
		assert.False(t, p.IsPermitted(role, "files", "read"), role)
		assert.False(t, p.IsPermitted(role, "files", "a/b"), role)
	}
}

func TestPolicy_EmptyPermitsAll(t *testing.T) {
	var nilPolicy *Policy
	assert.True(t, nilPolicy.Empty())
	assert.NoError(t, nilPolicy.Check("", "any", "tool"))
	assert.NoError(t, (&Policy{}).Check("whoever", "any", "tool"))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, testPolicy().Validate())

	bad := &Policy{Roles: map[string]Role{"x": {Blocked: []string{"[unterminated"}}}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")

	missing := &Policy{DefaultRole: "nobody", Roles: map[string]Role{"x": {}}}
	assert.ErrorContains(t, missing.Validate(), "default role")
}

func TestPermissionError_Message(t *testing.T) {
	err := &PermissionError{
		Type:     "tools.denied",
		Role:     "reader",
		Resource: "files/write",
		Allowed:  []string{"read_*"},
		Message:  "tool not in allowed patterns",
	}
	msg := err.Error()
	assert.Contains(t, msg, "permission denied: tools.denied")
	assert.Contains(t, msg, "role: reader")
	assert.Contains(t, msg, "allowed patterns: [read_*]")
}

func TestRoleContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RoleFromContext(ctx))
	assert.Equal(t, "ops", RoleFromContext(WithRole(ctx, "ops")))
}

type recordingInvoker struct {
	calls []string
}

func (r *recordingInvoker) Invoke(_ context.Context, server, tool string, _ any) toolserver.ToolResult {
	r.calls = append(r.calls, server+"/"+tool)
	return toolserver.Success(json.RawMessage(`"ok"`))
}

func TestGate(t *testing.T) {
	next := &recordingInvoker{}
	gate := NewGate(next, testPolicy(), log.Discard())

	res := gate.Invoke(WithRole(context.Background(), "reader"), "files", "read_file", nil)
	require.True(t, res.OK())
	assert.JSONEq(t, `"ok"`, string(res.Payload))

	res = gate.Invoke(WithRole(context.Background(), "reader"), "files", "write_file", nil)
	require.False(t, res.OK())
	assert.Equal(t, toolserver.KindPermissionDenied, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "tools.denied")

	assert.Equal(t, []string{"files/read_file"}, next.calls, "denied calls must not reach the worker")
}
