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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 200 * time.Millisecond

// WatcherConfig configures a config file watcher.
type WatcherConfig struct {
	// Path is the descriptor file to watch (required)
	Path string

	// Source reloads descriptors when the file changes (required)
	Source Source

	// Supervisor is reconciled against each reload (required)
	Supervisor *Supervisor

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Delay debounces bursts of writes (defaults to DefaultReloadDelay)
	Delay time.Duration

	// OnReload is called after each reload attempt (optional)
	OnReload func(Diff, error)
}

// Watcher reloads the registry when its descriptor file changes and
// reconciles running workers with the result.
type Watcher struct {
	cfg       WatcherConfig
	fsWatcher *fsnotify.Watcher
	target    string
	logger    *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	// reloadMu serializes reloads with each other and with Close
	reloadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher starts watching cfg.Path. The parent directory is watched so
// that editors which save by rename are seen too.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" || cfg.Source == nil || cfg.Supervisor == nil {
		return nil, fmt.Errorf("path, source and supervisor are required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultReloadDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(target)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		cfg:       cfg,
		fsWatcher: fsWatcher,
		target:    target,
		logger:    logger.With("component", "watcher", "path", target),
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Delay, func() {
		w.reloadMu.Lock()
		defer w.reloadMu.Unlock()
		if w.ctx.Err() != nil {
			return
		}
		_, _ = w.reload(w.ctx)
	})
}

// Reload loads the source once and reconciles the supervisor. A failed
// load leaves the registry and workers untouched.
func (w *Watcher) Reload(ctx context.Context) (Diff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return w.reload(ctx)
}

func (w *Watcher) reload(ctx context.Context) (Diff, error) {
	descs, err := w.cfg.Source.Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping previous servers", "error", err)
		w.notify(Diff{}, err)
		return Diff{}, err
	}

	diff := w.cfg.Supervisor.Registry().Replace(descs)
	if diff.Empty() {
		w.logger.Debug("config reloaded, no changes")
	} else {
		w.logger.Info("config reloaded",
			"added", diff.Added,
			"removed", diff.Removed,
			"changed", diff.Changed)
		w.cfg.Supervisor.Reconcile(ctx, diff)
	}
	w.notify(diff, nil)
	return diff, nil
}

func (w *Watcher) notify(diff Diff, err error) {
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(diff, err)
	}
}

// Close stops watching and waits for an in-flight reload.
func (w *Watcher) Close() error {
	w.cancel()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.fsWatcher.Close()
	w.wg.Wait()

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return err
}
