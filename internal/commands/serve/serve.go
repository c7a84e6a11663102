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


// Package serve implements the 'serve' command: start every configured
// server and keep them supervised until interrupted.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/config"
	"github.com/tombee/toolhost/internal/journal"
	"github.com/tombee/toolhost/internal/toolserver"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	addr    string
	noWatch bool
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start all configured tool servers and supervise them",
		Long: `Start every enabled tool server and keep them running until interrupted.

An HTTP listener exposes Prometheus metrics on /metrics, worker health on
/healthz and per-server status on /v1/servers. The config file is watched and
servers are started, stopped or restarted as their entries change.`,
		Example: `  # Serve with metrics on the default address
  toolhost serve

  # Serve a specific config without hot reload
  toolhost serve --config ./servers.yaml --no-watch --addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:9464", "Address for the metrics and health listener (empty to disable)")
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

	if rt.Journal != nil && cfg.Journal.MaxAge > 0 {
		retention := journal.NewRetention(rt.Journal, time.Duration(cfg.Journal.MaxAge), 0, logger)
		retention.Start()
		defer retention.Stop()
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

	errCh := make(chan error, 1)
	var srv *http.Server
	if opts.addr != "" {
		ln, err := net.Listen("tcp", opts.addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", opts.addr, err)
		}
		srv = &http.Server{
			Handler:           newHandler(rt.Supervisor, rt.Telemetry.MetricsHandler(), logger),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		logger.Info("metrics listener starting", slog.String("listen_addr", ln.Addr().String()))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	logger.Info("toolhost serving", "active", rt.Supervisor.ListActive())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("metrics listener failed", "error", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
