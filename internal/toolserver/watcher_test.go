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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolhost/internal/log"
)

type reloadResult struct {
	diff Diff
	err  error
}

func jsonFileSource(path string) Source {
	return SourceFunc(func() ([]ServerDescriptor, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var descs []ServerDescriptor
		if err := json.Unmarshal(data, &descs); err != nil {
			return nil, err
		}
		return descs, nil
	})
}

func writeDescriptors(t *testing.T, path string, descs ...ServerDescriptor) {
	t.Helper()
	data, err := json.Marshal(descs)
	require.NoError(t, err)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	a := fakeDescriptor("a", "raw")
	writeDescriptors(t, path, a)

	h := newHarness(t, a)
	h.startAll(t)

	results := make(chan reloadResult, 8)
	w, err := NewWatcher(WatcherConfig{
		Path:       path,
		Source:     jsonFileSource(path),
		Supervisor: h.sup,
		Logger:     log.Discard(),
		Delay:      20 * time.Millisecond,
		OnReload:   func(d Diff, err error) { results <- reloadResult{d, err} },
	})
	require.NoError(t, err)
	defer w.Close()

	writeDescriptors(t, path, a, fakeDescriptor("b", "raw"))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, []string{"b"}, r.diff.Added)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
	assert.Equal(t, []string{"a", "b"}, h.sup.ListActive())

	res := h.invoke("b", "echo", map[string]any{"x": 1})
	require.True(t, res.OK(), "%v", res.Failure)
}

func TestWatcher_BadReloadKeepsServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	a := fakeDescriptor("a", "raw")
	writeDescriptors(t, path, a)

	h := newHarness(t, a)
	h.startAll(t)

	w, err := NewWatcher(WatcherConfig{
		Path:       path,
		Source:     jsonFileSource(path),
		Supervisor: h.sup,
		Logger:     log.Discard(),
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err = w.Reload(context.Background())
	require.Error(t, err)

	assert.True(t, h.sup.IsActive("a"))
	assert.Equal(t, 1, h.reg.Len())
}

func TestWatcher_ReconcilesRemovedAndChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	a := fakeDescriptor("a", "raw")
	b := fakeDescriptor("b", "raw")
	writeDescriptors(t, path, a, b)

	h := newHarness(t, a, b)
	h.startAll(t)
	pidA, ok := h.sup.Status("a")
	require.True(t, ok)

	w, err := NewWatcher(WatcherConfig{Path: path, Source: jsonFileSource(path), Supervisor: h.sup, Logger: log.Discard()})
	require.NoError(t, err)
	defer w.Close()

	a2 := a
	a2.Args = []string{"-test.run=^$"}
	writeDescriptors(t, path, a2)

	diff, err := w.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, diff.Removed)
	assert.Equal(t, []string{"a"}, diff.Changed)

	assert.Equal(t, []string{"a"}, h.sup.ListActive())
	st, _ := h.sup.Status("a")
	assert.NotEqual(t, pidA.PID, st.PID)
}

func TestNewWatcher_RequiresFields(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	assert.Error(t, err)
}
