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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tombee/toolhost/internal/config"
	"github.com/tombee/toolhost/internal/journal"
	"github.com/tombee/toolhost/internal/log"
	"github.com/tombee/toolhost/internal/permissions"
	"github.com/tombee/toolhost/internal/toolserver"
	"github.com/tombee/toolhost/internal/tracing"
)

// Logger builds the process logger from the environment and the global flags.
func Logger(w io.Writer) *slog.Logger {
	cfg := log.FromEnv()
	if logLevelFlag != "" {
		cfg.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Format = log.Format(logFormatFlag)
	}
	cfg.Output = w
	return log.New(cfg)
}

// LoadConfig resolves and loads the descriptor file.
func LoadConfig() (*config.Config, error) {
	path, err := config.ResolvePath(configFlag)
	if err != nil {
		return nil, NewConfigError("failed to resolve config path", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("failed to load config", err)
	}
	return cfg, nil
}

// LoadConfigOrEmpty loads the descriptor file like LoadConfig. When the file
// exists but cannot be read or parsed, the error is logged and an empty config
// bound to the same path is returned, so a watcher can pick up the fix.
func LoadConfigOrEmpty(logger *slog.Logger) (*config.Config, error) {
	path, err := config.ResolvePath(configFlag)
	if err != nil {
		return nil, NewConfigError("failed to resolve config path", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		var cerr *toolserver.ConfigError
		if !errors.As(err, &cerr) {
			return nil, NewConfigError("failed to load config", err)
		}
		logger.Error("config unusable, continuing with no servers", "path", path, "error", err)
		return &config.Config{Path: path}, nil
	}
	return cfg, nil
}

// RuntimeOptions selects the optional parts of a Runtime.
type RuntimeOptions struct {
	// Logger is required
	Logger *slog.Logger

	// Journal opens the exchange journal and records every invocation
	Journal bool
}

// Runtime is the wired-up supervisor stack shared by the commands.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Supervisor *toolserver.Supervisor
	Dispatcher *toolserver.Dispatcher
	Metrics    *toolserver.Metrics
	Telemetry  *tracing.Provider
	Journal    *journal.Store

	// Invoker is the dispatcher behind the permission gate
	Invoker toolserver.Invoker
}

// NewRuntime builds the registry, supervisor, dispatcher and gate for cfg.
// No workers are started.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	logger := opts.Logger
	for _, p := range cfg.Problems {
		logger.Warn("config problem", "path", cfg.Path, "server", p.Server, "error", p.Err)
	}

	rt := &Runtime{Config: cfg, Logger: logger}

	telemetry, err := tracing.New(ctx, tracing.Config{
		ServiceName:    "toolhost",
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Traces,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Global:         true,
	})
	if err != nil {
		return nil, NewConfigError("failed to set up telemetry", err)
	}
	rt.Telemetry = telemetry

	var recorders []toolserver.Recorder
	if opts.Journal {
		path, err := cfg.JournalPath()
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to resolve journal path: %w", err)
		}
		if path != "" {
			store, err := journal.Open(path, logger)
			if err != nil {
				rt.Close(ctx)
				return nil, err
			}
			rt.Journal = store
			recorders = append(recorders, store)
		}
	}

	rt.Supervisor = toolserver.NewSupervisor(toolserver.SupervisorConfig{
		Registry: toolserver.NewRegistry(cfg.Servers, logger),
		Logger:   logger,
	})

	metrics, err := toolserver.NewMetrics(telemetry.MeterProvider(), rt.Supervisor.ActiveCount)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	rt.Metrics = metrics
	rt.Supervisor.SetMetrics(metrics)

	rt.Dispatcher = toolserver.NewDispatcher(toolserver.DispatcherConfig{
		Supervisor:     rt.Supervisor,
		Logger:         logger,
		Metrics:        metrics,
		TracerProvider: telemetry.TracerProvider(),
		Recorders:      recorders,
	})
	rt.Invoker = permissions.NewGate(rt.Dispatcher, cfg.Permissions, logger)

	return rt, nil
}

// Close stops every worker and releases telemetry and the journal.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Supervisor != nil {
		errs = append(errs, rt.Supervisor.StopAll())
	}
	if rt.Metrics != nil {
		errs = append(errs, rt.Metrics.Close())
	}
	if rt.Journal != nil {
		errs = append(errs, rt.Journal.Close())
	}
	if rt.Telemetry != nil {
		errs = append(errs, rt.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
