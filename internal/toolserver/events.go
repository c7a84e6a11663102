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
	"log/slog"
	"sync"
	"time"
)

// EventType names a worker lifecycle transition.
type EventType string

const (
	EventStarted    EventType = "started"
	EventStopped    EventType = "stopped"
	EventCrashed    EventType = "crashed"
	EventRestarting EventType = "restarting"
	EventSkipped    EventType = "skipped"
)

// Event is a worker lifecycle notification.
type Event struct {
	Type      EventType      `json:"type"`
	Server    string         `json:"server"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventEmitter logs lifecycle events and fans them out to subscribers.
type EventEmitter struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []func(Event)
}

// NewEventEmitter creates an emitter writing to logger.
func NewEventEmitter(logger *slog.Logger) *EventEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventEmitter{logger: logger}
}

// Subscribe registers fn to receive every subsequent event.
// Subscribers are called synchronously and must not block.
func (e *EventEmitter) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Emit logs the event and delivers it to subscribers.
func (e *EventEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	attrs := []any{"server", ev.Server, "event", string(ev.Type)}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	if ev.Type == EventCrashed || ev.Type == EventSkipped {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "tool server event", attrs...)

	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (e *EventEmitter) emit(typ EventType, server string, details map[string]any) {
	e.Emit(Event{Type: typ, Server: server, Details: details})
}
