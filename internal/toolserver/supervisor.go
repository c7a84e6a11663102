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
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 5 * time.Second

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// Registry supplies descriptors (required)
	Registry *Registry

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// LogCapture retains worker stderr (optional)
	LogCapture *LogCapture

	// Events receives lifecycle events (optional)
	Events *EventEmitter

	// Metrics records starts and crashes (optional)
	Metrics *Metrics

	// StopTimeout overrides DefaultStopTimeout
	StopTimeout time.Duration
}

// WorkerStatus is a point-in-time view of one configured server.
type WorkerStatus struct {
	Name      string        `json:"name"`
	Enabled   bool          `json:"enabled"`
	State     WorkerState   `json:"state"`
	PID       int           `json:"pid,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Stderr    []string      `json:"stderr,omitempty"`
}

// Supervisor owns the set of running workers.
type Supervisor struct {
	registry    *Registry
	logger      *slog.Logger
	logs        *LogCapture
	events      *EventEmitter
	metrics     *Metrics
	stopTimeout time.Duration

	// mu protects workers
	mu      sync.RWMutex
	workers map[string]*Worker

	// opLocks serialize start/stop/restart per name
	opMu    sync.Mutex
	opLocks map[string]*sync.Mutex
}

// NewSupervisor creates a supervisor over cfg.Registry.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(nil, logger)
	}
	logs := cfg.LogCapture
	if logs == nil {
		logs = NewLogCapture(DefaultLogLines)
	}
	events := cfg.Events
	if events == nil {
		events = NewEventEmitter(logger)
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &Supervisor{
		registry:    registry,
		logger:      logger.With("component", "supervisor"),
		logs:        logs,
		events:      events,
		metrics:     cfg.Metrics,
		stopTimeout: stopTimeout,
		workers:     make(map[string]*Worker),
		opLocks:     make(map[string]*sync.Mutex),
	}
}

// Registry returns the descriptor registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Logs returns the stderr capture.
func (s *Supervisor) Logs() *LogCapture { return s.logs }

// Events returns the lifecycle event emitter.
func (s *Supervisor) Events() *EventEmitter { return s.events }

// SetMetrics attaches metrics after construction, for gauges that poll the supervisor.
func (s *Supervisor) SetMetrics(m *Metrics) { s.metrics = m }

func (s *Supervisor) opLock(name string) *sync.Mutex {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	l, ok := s.opLocks[name]
	if !ok {
		l = &sync.Mutex{}
		s.opLocks[name] = l
	}
	return l
}

// StartAll starts every enabled stdio descriptor and returns the launch failures.
// It never aborts; servers that fail are simply absent from the active set.
func (s *Supervisor) StartAll(ctx context.Context) []*LaunchError {
	var failures []*LaunchError
	for _, desc := range s.registry.All() {
		if err := ctx.Err(); err != nil {
			failures = append(failures, newLaunchError(desc, err))
			continue
		}
		if !desc.Enabled {
			s.logger.Debug("skipping disabled server", "server", desc.Name)
			continue
		}
		if !desc.SupportsStdio() {
			s.logger.Warn("skipping server with unsupported transport",
				"server", desc.Name, "transport", string(desc.Transport))
			s.events.emit(EventSkipped, desc.Name, map[string]any{"transport": string(desc.Transport)})
			continue
		}

		err := s.Start(ctx, desc.Name)
		if err == nil || errors.Is(err, ErrAlreadyRunning) {
			continue
		}
		var lerr *LaunchError
		if !errors.As(err, &lerr) {
			lerr = newLaunchError(desc, err)
		}
		s.logger.Warn("tool server unavailable", "server", desc.Name, "error", lerr.Cause)
		failures = append(failures, lerr)
	}

	s.logger.Info("tool servers started",
		"active", len(s.ListActive()),
		"failed", len(failures))
	return failures
}

// Start spawns the worker for name. A crashed worker under the same name is
// cleaned up first; a running one yields ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	l := s.opLock(name)
	l.Lock()
	defer l.Unlock()
	return s.startLocked(ctx, name)
}

func (s *Supervisor) startLocked(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	desc, ok := s.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if !desc.Enabled {
		return newLaunchError(desc, ErrServerDisabled)
	}
	if !desc.SupportsStdio() {
		return newLaunchError(desc, fmt.Errorf("%w: %s", ErrUnsupportedTransport, desc.Transport))
	}

	if prev := s.worker(name); prev != nil {
		if prev.State() == StateRunning {
			return ErrAlreadyRunning
		}
		if err := s.stopLocked(name); err != nil {
			s.logger.Warn("cleanup of previous worker failed", "server", name, "error", err)
		}
	}

	buf := s.logs.Buffer(name)
	w, err := spawnWorker(desc, s.logger, buf)
	if err != nil {
		return newLaunchError(desc, err)
	}
	w.onCrash = s.handleCrash

	s.mu.Lock()
	s.workers[name] = w
	s.mu.Unlock()

	s.metrics.recordStart(name)
	s.events.emit(EventStarted, name, map[string]any{"pid": w.PID()})
	return nil
}

func (s *Supervisor) handleCrash(w *Worker, reason string) {
	details := map[string]any{"reason": reason}
	if exited, code := w.Exited(); exited {
		details["exit_code"] = code
	}
	s.metrics.recordCrash(w.Name())
	s.events.emit(EventCrashed, w.Name(), details)
}

// Stop terminates the worker for name and removes it from the active set.
// Stopping an absent worker is a no-op.
func (s *Supervisor) Stop(name string) error {
	l := s.opLock(name)
	l.Lock()
	defer l.Unlock()
	return s.stopLocked(name)
}

func (s *Supervisor) stopLocked(name string) error {
	w := s.worker(name)
	if w == nil {
		return nil
	}

	w.state.Store(int32(StateStopping))
	err := w.terminate(s.stopTimeout)

	s.mu.Lock()
	if s.workers[name] == w {
		delete(s.workers, name)
	}
	s.mu.Unlock()
	w.state.Store(int32(StateStopped))

	if !w.wait(s.stopTimeout) {
		s.logger.Warn("worker streams still open after stop", "server", name)
	}

	if err != nil {
		s.logger.Error("failed to stop tool server", "server", name, "error", err)
		return err
	}
	s.events.emit(EventStopped, name, nil)
	return nil
}

// StopAll stops every worker concurrently. A failure stopping one worker
// does not prevent the others from being stopped.
func (s *Supervisor) StopAll() error {
	s.mu.RLock()
	names := slices.Sorted(maps.Keys(s.workers))
	s.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		g.Go(func() error {
			if err := s.Stop(name); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Restart stops name and starts it again from the current registry.
// It returns false when the descriptor is gone or the fresh start fails.
func (s *Supervisor) Restart(ctx context.Context, name string) bool {
	l := s.opLock(name)
	l.Lock()
	defer l.Unlock()

	s.events.emit(EventRestarting, name, nil)
	if err := s.stopLocked(name); err != nil {
		s.logger.Warn("stop during restart failed", "server", name, "error", err)
	}

	if _, ok := s.registry.Lookup(name); !ok {
		s.logger.Info("restart skipped, server no longer configured", "server", name)
		return false
	}
	if err := s.startLocked(ctx, name); err != nil {
		s.logger.Warn("restart failed", "server", name, "error", err)
		return false
	}
	return true
}

// IsActive reports whether a running worker exists for name.
func (s *Supervisor) IsActive(name string) bool {
	return s.lookup(name) != nil
}

// ListActive returns the names of running workers, sorted.
func (s *Supervisor) ListActive() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, w := range s.workers {
		if w.State() == StateRunning {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// ActiveCount returns the number of running workers.
func (s *Supervisor) ActiveCount() int {
	return len(s.ListActive())
}

// lookup returns the worker for name only if it is running.
func (s *Supervisor) lookup(name string) *Worker {
	w := s.worker(name)
	if w == nil || w.State() != StateRunning {
		return nil
	}
	return w
}

func (s *Supervisor) worker(name string) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[name]
}

// Status returns the status of one configured server.
func (s *Supervisor) Status(name string) (WorkerStatus, bool) {
	desc, ok := s.registry.Lookup(name)
	w := s.worker(name)
	if !ok && w == nil {
		return WorkerStatus{}, false
	}
	if !ok {
		desc = w.Descriptor()
	}
	return s.status(desc, w), true
}

// ListStatus returns the status of every configured server, sorted by name.
func (s *Supervisor) ListStatus() []WorkerStatus {
	descs := s.registry.All()
	out := make([]WorkerStatus, 0, len(descs))
	for _, desc := range descs {
		out = append(out, s.status(desc, s.worker(desc.Name)))
	}
	return out
}

func (s *Supervisor) status(desc ServerDescriptor, w *Worker) WorkerStatus {
	st := WorkerStatus{
		Name:    desc.Name,
		Enabled: desc.Enabled,
		State:   StateStopped,
		Stderr:  s.logs.Tail(desc.Name, 10),
	}
	if w == nil {
		return st
	}

	st.State = w.State()
	st.PID = w.PID()
	st.StartedAt = w.startedAt
	if exited, code := w.Exited(); exited {
		st.ExitCode = &code
	} else if st.State == StateRunning {
		st.Uptime = time.Since(w.startedAt).Round(time.Second)
	}
	return st
}

// Reconcile applies a registry diff: removed servers are stopped, changed
// servers restarted, and added servers started.
func (s *Supervisor) Reconcile(ctx context.Context, diff Diff) {
	for _, name := range diff.Removed {
		if err := s.Stop(name); err != nil {
			s.logger.Warn("stop of removed server failed", "server", name, "error", err)
		}
	}

	for _, name := range diff.Changed {
		desc, _ := s.registry.Lookup(name)
		if !desc.Enabled || !desc.SupportsStdio() {
			if err := s.Stop(name); err != nil {
				s.logger.Warn("stop of disabled server failed", "server", name, "error", err)
			}
			continue
		}
		s.Restart(ctx, name)
	}

	for _, name := range diff.Added {
		desc, _ := s.registry.Lookup(name)
		if !desc.Enabled {
			continue
		}
		if err := s.Start(ctx, name); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Warn("start of added server failed", "server", name, "error", err)
		}
	}
}
