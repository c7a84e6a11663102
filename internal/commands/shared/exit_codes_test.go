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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/toolhost/internal/toolserver"
)

func TestExitCodeForKind(t *testing.T) {
	kinds := []toolserver.ErrorKind{
		toolserver.KindServerNotFound,
		toolserver.KindConnectionClosed,
		toolserver.KindTimeout,
		toolserver.KindProtocolError,
		toolserver.KindToolError,
		toolserver.KindPermissionDenied,
		toolserver.KindLaunchFailed,
	}
	seen := map[int]toolserver.ErrorKind{}
	for _, k := range kinds {
		code := ExitCodeForKind(k)
		assert.NotEqual(t, ExitSuccess, code)
		assert.NotEqual(t, ExitFailure, code, "kind %s", k)
		if prev, dup := seen[code]; dup {
			t.Errorf("kinds %s and %s share exit code %d", prev, k, code)
		}
		seen[code] = k
	}
	assert.Equal(t, ExitFailure, ExitCodeForKind("something_else"))
}

func TestReportError(t *testing.T) {
	t.Run("exit error", func(t *testing.T) {
		var buf bytes.Buffer
		err := NewFailureError(&toolserver.Failure{Kind: toolserver.KindTimeout, Message: "no response within 1s"})
		assert.Equal(t, ExitTimeout, reportError(&buf, err))
		assert.Contains(t, buf.String(), "Error: ")
		assert.Contains(t, buf.String(), "no response within 1s")
	})

	t.Run("config error", func(t *testing.T) {
		var buf bytes.Buffer
		err := fmt.Errorf("loading: %w", &toolserver.ConfigError{Path: "x.yaml", Cause: errors.New("bad")})
		assert.Equal(t, ExitInvalidConfig, reportError(&buf, err))
	})

	t.Run("plain error", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, ExitFailure, reportError(&buf, errors.New("boom")))
		assert.Equal(t, "Error: boom\n", buf.String())
	})

	t.Run("suggestion", func(t *testing.T) {
		var buf bytes.Buffer
		launch := &toolserver.LaunchError{
			Server:      "py",
			Command:     "python3",
			Cause:       errors.New("not found"),
			Suggestions: []string{"install python3"},
		}
		assert.Equal(t, ExitLaunchFailed, reportError(&buf, NewLaunchError(launch)))
		assert.Contains(t, buf.String(), "Suggestion: ")
	})
}

func TestStyler_PlainWhenNotTerminal(t *testing.T) {
	s := NewStyler(&bytes.Buffer{})
	assert.Equal(t, SymbolOK+" done", s.OK("done"))
	assert.Equal(t, "text", s.Render(Header, "text"))
}
