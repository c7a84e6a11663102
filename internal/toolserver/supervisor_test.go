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
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/toolhost/internal/lifecycle"
)

func TestStartAll(t *testing.T) {
	disabled := fakeDescriptor("disabled", "raw")
	disabled.Enabled = false
	httpish := fakeDescriptor("remote", "raw")
	httpish.Transport = "sse"
	missing := ServerDescriptor{Name: "missing", Command: "definitely-not-a-real-binary-xyz", Enabled: true}

	h := newHarness(t,
		fakeDescriptor("beta", "raw"),
		fakeDescriptor("alpha", "raw"),
		disabled,
		httpish,
		missing,
	)

	failures := h.sup.StartAll(context.Background())
	require.Len(t, failures, 1)
	assert.Equal(t, "missing", failures[0].Server)
	assert.Equal(t, KindLaunchFailed, failures[0].Kind())
	assert.NotEmpty(t, failures[0].Suggestion())

	assert.Equal(t, []string{"alpha", "beta"}, h.sup.ListActive())
	assert.True(t, h.sup.IsActive("alpha"))
	assert.False(t, h.sup.IsActive("disabled"))
	assert.False(t, h.sup.IsActive("remote"))
	assert.False(t, h.sup.IsActive("missing"))

	// The surviving servers still work.
	res := h.invoke("alpha", "echo", map[string]int{"n": 1})
	require.True(t, res.OK(), "%v", res.Failure)
}

func TestStartAll_Twice(t *testing.T) {
	h := newHarness(t, fakeDescriptor("a", "raw"))
	h.startAll(t)
	pid := pidOf(t, h, "a")

	h.startAll(t)
	assert.Equal(t, pid, pidOf(t, h, "a"), "running worker must not be replaced")
}

func TestStart_Errors(t *testing.T) {
	disabled := fakeDescriptor("off", "raw")
	disabled.Enabled = false
	h := newHarness(t, fakeDescriptor("a", "raw"), disabled)

	require.ErrorIs(t, h.sup.Start(context.Background(), "nope"), ErrServerNotFound)
	require.ErrorIs(t, h.sup.Start(context.Background(), "off"), ErrServerDisabled)

	require.NoError(t, h.sup.Start(context.Background(), "a"))
	require.ErrorIs(t, h.sup.Start(context.Background(), "a"), ErrAlreadyRunning)
}

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t, fakeDescriptor("a", "raw"), fakeDescriptor("b", "raw"))
	h.startAll(t)

	require.NoError(t, h.sup.Stop("never-started"))
	assert.Equal(t, []string{"a", "b"}, h.sup.ListActive())

	require.NoError(t, h.sup.Stop("a"))
	assert.Equal(t, []string{"b"}, h.sup.ListActive())

	require.NoError(t, h.sup.Stop("a"))
	assert.Equal(t, []string{"b"}, h.sup.ListActive())

	requireFailure(t, h.invoke("a", "echo", nil), KindServerNotFound)
}

func TestStop_KillsWorkerIgnoringSIGTERM(t *testing.T) {
	h := newHarness(t, fakeDescriptor("stubborn", "ignore-term"))
	h.sup.stopTimeout = 300 * time.Millisecond
	h.startAll(t)

	// A round trip proves the signal handler is installed.
	require.True(t, h.invoke("stubborn", "echo", nil).OK())
	w := h.sup.worker("stubborn")
	pid := w.PID()

	start := time.Now()
	require.NoError(t, h.sup.Stop("stubborn"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.False(t, lifecycle.IsProcessRunning(pid))
	assert.Equal(t, StateStopped, w.State())
	assert.False(t, h.sup.IsActive("stubborn"))
}

func TestStopAll(t *testing.T) {
	h := newHarness(t,
		fakeDescriptor("a", "raw"),
		fakeDescriptor("b", "raw"),
		fakeDescriptor("c", "raw"),
	)
	h.startAll(t)

	var pids []int
	for _, name := range h.sup.ListActive() {
		pids = append(pids, pidOf(t, h, name))
	}

	require.NoError(t, h.sup.StopAll())
	assert.Empty(t, h.sup.ListActive())
	for _, pid := range pids {
		assert.False(t, lifecycle.IsProcessRunning(pid), "pid %d still running", pid)
	}

	require.NoError(t, h.sup.StopAll())
}

func TestRestart(t *testing.T) {
	h := newHarness(t, fakeDescriptor("a", "raw"), fakeDescriptor("b", "raw"))
	h.startAll(t)
	before := pidOf(t, h, "a")

	require.True(t, h.sup.Restart(context.Background(), "a"))
	after := pidOf(t, h, "a")
	assert.NotEqual(t, before, after)
	assert.True(t, h.invoke("a", "echo", nil).OK())

	// Descriptor removed from the registry: restart reports false, no panic.
	h.reg.Replace([]ServerDescriptor{fakeDescriptor("b", "raw")})
	assert.False(t, h.sup.Restart(context.Background(), "a"))
	assert.False(t, h.sup.IsActive("a"))
	assert.True(t, h.sup.IsActive("b"))

	assert.False(t, h.sup.Restart(context.Background(), "never-configured"))
}

func TestWorkerEnvironment(t *testing.T) {
	t.Setenv("TOOLSERVER_INHERITED", "from-host")
	d := fakeDescriptor("env", "raw")
	d.Env["TOOLSERVER_OVERRIDE"] = "from-descriptor"
	h := newHarness(t, d)

	// The descriptor value must win over the inherited one.
	t.Setenv("TOOLSERVER_OVERRIDE", "from-host")
	h.startAll(t)

	var got string
	require.NoError(t, h.invoke("env", "env", map[string]string{"key": "TOOLSERVER_INHERITED"}).Decode(&got))
	assert.Equal(t, "from-host", got)

	require.NoError(t, h.invoke("env", "env", map[string]string{"key": "TOOLSERVER_OVERRIDE"}).Decode(&got))
	assert.Equal(t, "from-descriptor", got)
}

func TestStatus(t *testing.T) {
	off := fakeDescriptor("off", "raw")
	off.Enabled = false
	h := newHarness(t, fakeDescriptor("on", "raw"), off)
	h.startAll(t)

	st, ok := h.sup.Status("on")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)
	assert.NotZero(t, st.PID)
	assert.Nil(t, st.ExitCode)

	st, ok = h.sup.Status("off")
	require.True(t, ok)
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Enabled)

	_, ok = h.sup.Status("ghost")
	assert.False(t, ok)

	all := h.sup.ListStatus()
	require.Len(t, all, 2)
	assert.Equal(t, "off", all[0].Name)
	assert.Equal(t, "on", all[1].Name)

	data, err := json.Marshal(all[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"running"`)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t,
		fakeDescriptor("keep", "raw"),
		fakeDescriptor("change", "raw"),
		fakeDescriptor("drop", "raw"),
	)
	h.startAll(t)
	keepPID := pidOf(t, h, "keep")
	changePID := pidOf(t, h, "change")

	changed := fakeDescriptor("change", "raw")
	changed.Args = []string{"-test.v=false"}
	diff := h.reg.Replace([]ServerDescriptor{
		fakeDescriptor("keep", "raw"),
		changed,
		fakeDescriptor("add", "raw"),
	})
	h.sup.Reconcile(context.Background(), diff)

	assert.Equal(t, []string{"add", "change", "keep"}, h.sup.ListActive())
	assert.Equal(t, keepPID, pidOf(t, h, "keep"))
	assert.NotEqual(t, changePID, pidOf(t, h, "change"))
}

func TestEventsAreEmitted(t *testing.T) {
	h := newHarness(t, fakeDescriptor("a", "raw"))

	var (
		mu     sync.Mutex
		events []EventType
	)
	h.sup.Events().Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Server == "a" {
			events = append(events, ev.Type)
		}
	})

	h.startAll(t)
	require.True(t, h.sup.Restart(context.Background(), "a"))
	require.NoError(t, h.sup.Stop("a"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventStarted, EventRestarting, EventStopped, EventStarted, EventStopped}, events)
}

func TestConcurrentLifecycleOperations(t *testing.T) {
	h := newHarness(t, fakeDescriptor("a", "raw"))
	h.startAll(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				h.sup.Restart(context.Background(), "a")
			case 1:
				_ = h.sup.Stop("a")
			default:
				_ = h.invoke("a", "echo", nil)
			}
		}()
	}
	wg.Wait()

	// Whatever the interleaving, at most one worker exists for the name.
	h.sup.mu.RLock()
	n := len(h.sup.workers)
	h.sup.mu.RUnlock()
	assert.LessOrEqual(t, n, 1)
}

func TestLaunchErrorUnwrap(t *testing.T) {
	le := newLaunchError(ServerDescriptor{Name: "x", Command: "python3"}, os.ErrNotExist)
	assert.True(t, errors.Is(le, os.ErrNotExist))
	assert.Contains(t, le.Error(), `"x"`)
	assert.Len(t, le.Suggestions, 3)
}

func pidOf(t *testing.T, h *harness, name string) int {
	t.Helper()
	var pid int
	res := h.invoke(name, "pid", nil)
	require.NoError(t, res.Decode(&pid))
	require.Equal(t, h.sup.worker(name).PID(), pid)
	return pid
}
