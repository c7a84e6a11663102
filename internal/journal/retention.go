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


package journal

import (
	"context"
	"log/slog"
	"time"
)

// Retention periodically prunes entries older than maxAge.
type Retention struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRetention creates a pruner. interval defaults to one hour.
func NewRetention(store *Store, maxAge, interval time.Duration, logger *slog.Logger) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the first pass immediately and then one per interval.
func (r *Retention) Start() {
	go r.run()
}

// Stop waits for an in-progress pass to finish.
func (r *Retention) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Retention) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Prune()
	for {
		select {
		case <-ticker.C:
			r.Prune()
		case <-r.stopCh:
			return
		}
	}
}

// Prune performs one pass and returns how many entries were removed.
func (r *Retention) Prune() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	before := time.Now().Add(-r.maxAge)
	deleted, err := r.store.DeleteOlderThan(ctx, before)
	if err != nil {
		r.logger.Error("failed to prune journal", "error", err)
		return 0
	}
	if deleted > 0 {
		r.logger.Info("pruned journal", "count", deleted, "before", before.Format(time.RFC3339))
	}
	return deleted
}
