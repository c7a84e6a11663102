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


package history

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/journal"
)

// seed writes a config whose journal lives in a temp dir and fills it.
func seed(t *testing.T, entries ...journal.Entry) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")
	cfgPath := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("journal:\n  path: "+dbPath+"\nservers: {}\n"), 0600))
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })

	store, err := journal.Open(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer store.Close()
	for _, e := range entries {
		require.NoError(t, store.Append(context.Background(), e))
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestHistoryList(t *testing.T) {
	now := time.Now()
	seed(t,
		journal.Entry{ID: "1", Server: "files", Tool: "read", Payload: json.RawMessage(`{"ok":true}`), StartedAt: now.Add(-2 * time.Minute), DurationMS: 12},
		journal.Entry{ID: "2", Server: "files", Tool: "write", Kind: "tool_error", Message: "read-only", StartedAt: now.Add(-time.Minute), DurationMS: 3},
		journal.Entry{ID: "3", Server: "search", Tool: "query", StartedAt: now.Add(-2 * time.Hour), DurationMS: 40},
	)

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "list")
		require.NoError(t, err)
		assert.Contains(t, out, "SERVER")
		assert.Contains(t, out, "read-only")
		assert.Contains(t, out, "query")
	})

	t.Run("filters", func(t *testing.T) {
		shared.SetJSONForTest(true)
		defer shared.SetJSONForTest(false)

		out, err := execute(t, "list", "--server", "files", "--failed", "--since", "1h")
		require.NoError(t, err)

		var got struct {
			Entries []journal.Entry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got.Entries, 1)
		assert.Equal(t, "2", got.Entries[0].ID)
	})
}

func TestHistoryList_Empty(t *testing.T) {
	seed(t)
	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No invocations journaled.")
}

func TestHistoryPrune(t *testing.T) {
	now := time.Now()
	seed(t,
		journal.Entry{ID: "old", Server: "s", Tool: "t", StartedAt: now.Add(-48 * time.Hour)},
		journal.Entry{ID: "new", Server: "s", Tool: "t", StartedAt: now},
	)

	out, err := execute(t, "prune", "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 journal entries.")
}

func TestHistoryDisabled(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("journal:\n  disabled: true\n"), 0600))
	shared.SetConfigPathForTest(cfgPath)
	defer shared.SetConfigPathForTest("")

	_, err := execute(t, "list")
	assert.ErrorContains(t, err, "journal is disabled")
}
