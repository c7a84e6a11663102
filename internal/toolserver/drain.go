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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// maxLineSize caps one line read from a worker's stdout or stderr.
const maxLineSize = 1 << 20

// readLine returns the next line without its terminator, keeping at most
// limit bytes. dropped counts the bytes discarded past limit.
func readLine(r *bufio.Reader, limit int) (line []byte, dropped int, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		if room := limit - len(line); room > 0 {
			n := min(room, len(chunk))
			line = append(line, chunk[:n]...)
			dropped += len(chunk) - n
		} else {
			dropped += len(chunk)
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if rerr == nil && dropped > 0 {
			dropped-- // the newline
		}
		return bytes.TrimRight(line, "\r\n"), dropped, rerr
	}
}

// drainStderr consumes r until EOF so the worker never blocks on a full
// stderr pipe. Each line goes to logger at info level and into buf.
// Lines past maxLineSize are truncated and marked.
// Read errors other than EOF end the drain at debug level.
func drainStderr(r io.Reader, logger *slog.Logger, buf *RingBuffer) {
	br := bufio.NewReader(r)
	for {
		line, dropped, err := readLine(br, maxLineSize)
		if len(line) > 0 {
			text := string(line)
			if dropped > 0 {
				text += fmt.Sprintf(" [truncated %d bytes]", dropped)
			}
			logger.LogAttrs(context.Background(), slog.LevelInfo, "tool server stderr",
				slog.String("stream", "stderr"),
				slog.String("line", text),
			)
			if buf != nil {
				buf.Add(LogLine{Timestamp: time.Now(), Text: text})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("stderr drain ended", "error", err)
			}
			return
		}
	}
}
