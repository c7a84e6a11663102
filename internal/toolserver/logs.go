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
	"sync"
	"time"
)

// DefaultLogLines is how many stderr lines are retained per server.
const DefaultLogLines = 500

// LogLine is one line a worker wrote to stderr.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// RingBuffer keeps the most recent lines of one worker's stderr.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []LogLine
	next  int
	count int
}

// NewRingBuffer creates a buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &RingBuffer{lines: make([]LogLine, capacity)}
}

// Add appends a line, evicting the oldest when full.
func (rb *RingBuffer) Add(line LogLine) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.count < len(rb.lines) {
		rb.count++
	}
}

// Last returns up to n of the newest lines, oldest first. n <= 0 returns all.
func (rb *RingBuffer) Last(n int) []LogLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([]LogLine, n)
	start := rb.next - n
	if start < 0 {
		start += len(rb.lines)
	}
	for i := range n {
		out[i] = rb.lines[(start+i)%len(rb.lines)]
	}
	return out
}

// Len returns the number of buffered lines.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// LogCapture keeps a RingBuffer per server name.
type LogCapture struct {
	mu       sync.Mutex
	buffers  map[string]*RingBuffer
	capacity int
}

// NewLogCapture creates a capture retaining capacity lines per server.
func NewLogCapture(capacity int) *LogCapture {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &LogCapture{
		buffers:  make(map[string]*RingBuffer),
		capacity: capacity,
	}
}

// Buffer returns the buffer for server, creating it on first use.
func (lc *LogCapture) Buffer(server string) *RingBuffer {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	buf, ok := lc.buffers[server]
	if !ok {
		buf = NewRingBuffer(lc.capacity)
		lc.buffers[server] = buf
	}
	return buf
}

// Tail returns the text of the newest n lines for server.
func (lc *LogCapture) Tail(server string, n int) []string {
	lc.mu.Lock()
	buf, ok := lc.buffers[server]
	lc.mu.Unlock()
	if !ok {
		return nil
	}

	lines := buf.Last(n)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// Remove drops the buffer for server.
func (lc *LogCapture) Remove(server string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	delete(lc.buffers, server)
}
