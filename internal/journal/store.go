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


// Package journal keeps a SQLite record of completed tool invocations.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/toolhost/internal/toolserver"
)

// Entry is one journaled exchange.
type Entry struct {
	ID         string          `json:"id"`
	Server     string          `json:"server"`
	Tool       string          `json:"tool"`
	Params     json.RawMessage `json:"params,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Kind       string          `json:"failure_kind,omitempty"`
	Message    string          `json:"failure_message,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
}

// OK reports whether the exchange succeeded.
func (e Entry) OK() bool { return e.Kind == "" }

// Filter narrows Recent.
type Filter struct {
	Server string
	Tool   string
	Failed bool
	Since  *time.Time
	Limit  int
}

// queueSize bounds the exchanges waiting to be written. Record drops
// exchanges past it rather than block the caller.
const queueSize = 256

// writeTimeout bounds one insert.
const writeTimeout = 5 * time.Second

// Store is a SQLite-backed journal. It implements toolserver.Recorder.
//
// Record hands entries to a single writer goroutine, so invocations never
// wait on the database. Flush waits for queued entries; Close drains them.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// queued is an entry to write, or a flush marker when flushed is set.
type queued struct {
	entry   Entry
	flushed chan struct{}
}

// Open opens or creates the journal at path. ":memory:" is accepted for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan queued, queueSize),
		done:   make(chan struct{}),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for q := range s.queue {
		if q.flushed != nil {
			close(q.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.Append(ctx, q.entry); err != nil {
			s.logger.Error("failed to journal exchange", "id", q.entry.ID, "error", err)
		}
		cancel()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id TEXT PRIMARY KEY,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			params TEXT,
			payload TEXT,
			failure_kind TEXT,
			failure_message TEXT,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_started_at ON exchanges(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_server ON exchanges(server, tool)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append stores one entry.
func (s *Store) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, server, tool, params, payload, failure_kind, failure_message, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Server, e.Tool,
		nullString(string(e.Params)), nullString(string(e.Payload)),
		nullString(e.Kind), nullString(e.Message),
		e.StartedAt.UnixNano(), e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to store exchange: %w", err)
	}
	return nil
}

// Record implements toolserver.Recorder. The entry is queued and written in
// the background; a full queue drops it with a warning. Storage errors are
// logged, not returned.
func (s *Store) Record(_ context.Context, ex toolserver.Exchange) {
	e := Entry{
		ID:         ex.ID,
		Server:     ex.Server,
		Tool:       ex.Tool,
		Params:     json.RawMessage(ex.Params),
		StartedAt:  ex.Started,
		DurationMS: ex.Duration.Milliseconds(),
	}
	if ex.Result.Failure != nil {
		e.Kind = string(ex.Result.Failure.Kind)
		e.Message = ex.Result.Failure.Message
	} else {
		e.Payload = ex.Result.Payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- queued{entry: e}:
	default:
		s.logger.Warn("journal queue full, dropping exchange", "id", ex.ID, "queue_size", queueSize)
	}
}

// Flush waits until every exchange recorded before the call is written.
func (s *Store) Flush(ctx context.Context) error {
	marker := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	select {
	case s.queue <- queued{flushed: marker}:
		s.mu.Unlock()
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns matching entries, newest first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, server, tool, params, payload, failure_kind, failure_message, started_at, duration_ms
		FROM exchanges WHERE 1=1`
	args := []any{}

	if f.Server != "" {
		query += " AND server = ?"
		args = append(args, f.Server)
	}
	if f.Tool != "" {
		query += " AND tool = ?"
		args = append(args, f.Tool)
	}
	if f.Failed {
		query += " AND failure_kind IS NOT NULL"
	}
	if f.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, f.Since.UnixNano())
	}

	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                              Entry
			params, payload, kind, message sql.NullString
			started                        int64
		)
		if err := rows.Scan(&e.ID, &e.Server, &e.Tool, &params, &payload, &kind, &message, &started, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		if params.Valid {
			e.Params = json.RawMessage(params.String)
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Kind = kind.String
		e.Message = message.String
		e.StartedAt = time.Unix(0, started)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes entries started before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE started_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old exchanges: %w", err)
	}
	return res.RowsAffected()
}

// Close writes any queued exchanges and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
