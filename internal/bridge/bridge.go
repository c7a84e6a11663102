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


// Package bridge exposes supervised tool servers to MCP clients over stdio.
//
// Three MCP tools are registered:
//
//   - invoke_tool runs a tool on a named server
//   - list_servers reports each configured server and its worker state
//   - server_logs returns the recent stderr of one server
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/toolhost/internal/permissions"
	"github.com/tombee/toolhost/internal/toolserver"
)

const defaultLogLines = 50

// Config configures a Bridge.
type Config struct {
	// Name is the MCP server name (default: "toolhost")
	Name string

	// Version is reported to clients
	Version string

	// Invoker runs tool calls, usually a permissions.Gate around a Dispatcher (required)
	Invoker toolserver.Invoker

	// Supervisor answers list_servers and server_logs (required)
	Supervisor *toolserver.Supervisor

	// Role is attached to every call made through the bridge
	Role string

	// Logger writes to stderr; stdout belongs to the protocol
	Logger *slog.Logger
}

// Bridge is an MCP server in front of the dispatcher.
type Bridge struct {
	cfg       Config
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// New creates a bridge and registers its tools.
func New(cfg Config) (*Bridge, error) {
	if cfg.Invoker == nil || cfg.Supervisor == nil {
		return nil, fmt.Errorf("invoker and supervisor are required")
	}
	if cfg.Name == "" {
		cfg.Name = "toolhost"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:       cfg,
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
		logger:    logger.With("component", "bridge"),
	}
	b.registerTools()
	return b, nil
}

func (b *Bridge) registerTools() {
	b.mcpServer.AddTool(mcp.NewTool("invoke_tool",
		mcp.WithDescription("Invoke a tool on a supervised tool server and return its JSON result."),
		mcp.WithString("server", mcp.Required(), mcp.Description("Name of the tool server")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Name of the tool (the request method)")),
		mcp.WithObject("arguments", mcp.Description("Tool arguments, sent as the request params")),
	), b.handleInvoke)

	b.mcpServer.AddTool(mcp.NewTool("list_servers",
		mcp.WithDescription("List configured tool servers with their worker state."),
	), b.handleListServers)

	b.mcpServer.AddTool(mcp.NewTool("server_logs",
		mcp.WithDescription("Return recent stderr lines from a tool server."),
		mcp.WithString("server", mcp.Required(), mcp.Description("Name of the tool server")),
		mcp.WithNumber("lines", mcp.Description("Number of lines to return (default 50)")),
	), b.handleServerLogs)
}

// MCPServer returns the underlying mcp-go server.
func (b *Bridge) MCPServer() *server.MCPServer { return b.mcpServer }

// Serve speaks MCP over in/out until ctx is done or in reaches EOF.
func (b *Bridge) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	b.logger.Info("starting MCP bridge", "version", b.cfg.Version)
	stdio := server.NewStdioServer(b.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(b.logger.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP bridge error: %w", err)
	}
	return nil
}

func (b *Bridge) handleInvoke(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverName, err := request.RequireString("server")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tool, err := request.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var args any
	if raw, ok := request.GetArguments()["arguments"]; ok && raw != nil {
		args = raw
	}

	if b.cfg.Role != "" {
		ctx = permissions.WithRole(ctx, b.cfg.Role)
	}
	res := b.cfg.Invoker.Invoke(ctx, serverName, tool, args)
	if !res.OK() {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", res.Failure.Kind, res.Failure.Message)), nil
	}
	return mcp.NewToolResultText(string(res.Payload)), nil
}

func (b *Bridge) handleListServers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	statuses := b.cfg.Supervisor.ListStatus()
	for i := range statuses {
		statuses[i].Stderr = nil
	}
	return jsonResult(statuses)
}

func (b *Bridge) handleServerLogs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("server")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, ok := b.cfg.Supervisor.Registry().Lookup(name); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no server named %q", name)), nil
	}
	n := request.GetInt("lines", defaultLogLines)
	return jsonResult(b.cfg.Supervisor.Logs().Tail(name, n))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
