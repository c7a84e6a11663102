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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	assert.Empty(t, rb.Last(0))

	for i := range 5 {
		rb.Add(LogLine{Timestamp: time.Now(), Text: fmt.Sprintf("line %d", i)})
	}

	assert.Equal(t, 3, rb.Len())
	texts := func(lines []LogLine) []string {
		var out []string
		for _, l := range lines {
			out = append(out, l.Text)
		}
		return out
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, texts(rb.Last(0)))
	assert.Equal(t, []string{"line 3", "line 4"}, texts(rb.Last(2)))
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, texts(rb.Last(10)))
}

func TestLogCapture(t *testing.T) {
	lc := NewLogCapture(2)
	assert.Nil(t, lc.Tail("unknown", 5))

	lc.Buffer("a").Add(LogLine{Text: "one"})
	lc.Buffer("a").Add(LogLine{Text: "two"})
	lc.Buffer("a").Add(LogLine{Text: "three"})
	assert.Equal(t, []string{"two", "three"}, lc.Tail("a", 5))

	lc.Remove("a")
	assert.Nil(t, lc.Tail("a", 5))
}

func TestDrainStderr(t *testing.T) {
	var logged bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logged, nil)).With("server", "jira")
	buf := NewRingBuffer(10)

	long := strings.Repeat("y", 200*1024)
	input := "first\r\n" + long + "\n\nlast-without-newline"
	drainStderr(strings.NewReader(input), logger, buf)

	lines := buf.Last(0)
	if assert.Len(t, lines, 3) {
		assert.Equal(t, "first", lines[0].Text)
		assert.Len(t, lines[1].Text, len(long))
		assert.Equal(t, "last-without-newline", lines[2].Text)
	}
	assert.Contains(t, logged.String(), "server=jira")
	assert.Contains(t, logged.String(), "line=first")
}

func TestDrainStderr_TruncatesOversizeLine(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	buf := NewRingBuffer(10)

	input := strings.Repeat("z", maxLineSize+500) + "\nnext\n"
	drainStderr(strings.NewReader(input), logger, buf)

	lines := buf.Last(0)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0].Text, strings.Repeat("z", maxLineSize)))
	assert.True(t, strings.HasSuffix(lines[0].Text, " [truncated 500 bytes]"))
	assert.Equal(t, "next", lines[1].Text)
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("abcdefgh\r\nij\nklm"), 16)

	line, dropped, err := readLine(r, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(line))
	assert.Equal(t, 5, dropped)

	line, dropped, err = readLine(r, 4)
	require.NoError(t, err)
	assert.Equal(t, "ij", string(line))
	assert.Zero(t, dropped)

	line, _, err = readLine(r, 4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "klm", string(line))
}
