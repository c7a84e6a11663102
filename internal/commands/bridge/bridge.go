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


// Package bridge implements the 'bridge' command: an MCP stdio server that
// forwards tool calls to the supervised tool servers.
package bridge

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/bridge"
	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/config"
	"github.com/tombee/toolhost/internal/toolserver"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	role    string
	noWatch bool
}

// NewCommand creates the bridge command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Expose tool servers to an MCP client over stdio",
		Long: `Run an MCP server on stdin/stdout that offers three tools to the client:
invoke_tool, list_servers and server_logs.

All enabled tool servers are started first. Logs go to stderr.`,
		Example: `  # Register with an MCP client
  toolhost bridge --config ~/.config/toolhost/servers.yaml

  # Restrict calls to what the "readonly" role permits
  toolhost bridge --role readonly`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.role, "role", "", "Permission role applied to every call (default: policy default role)")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "Do not reload when the config file changes")

	return cmd
}

func run(ctx context.Context, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := shared.Logger(os.Stderr)
	cfg, err := shared.LoadConfigOrEmpty(logger)
	if err != nil {
		return err
	}

	rt, err := shared.NewRuntime(ctx, cfg, shared.RuntimeOptions{Logger: logger, Journal: true})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	for _, lerr := range rt.Supervisor.StartAll(ctx) {
		logger.Warn("server not started", "server", lerr.Server, "error", lerr.Cause, "suggestion", lerr.Suggestion())
	}

	if !opts.noWatch && cfg.Path != "" {
		watcher, err := toolserver.NewWatcher(toolserver.WatcherConfig{
			Path:       cfg.Path,
			Source:     config.FileSource{Path: cfg.Path, Logger: logger},
			Supervisor: rt.Supervisor,
			Logger:     logger,
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	version, _, _ := shared.GetVersion()
	b, err := bridge.New(bridge.Config{
		Version:    version,
		Invoker:    rt.Invoker,
		Supervisor: rt.Supervisor,
		Role:       opts.role,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Debug("tool servers started", "active", rt.Supervisor.ListActive())
	return b.Serve(ctx, os.Stdin, os.Stdout)
}
