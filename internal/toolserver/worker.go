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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/toolhost/internal/lifecycle"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState int32

const (
	StateStarting WorkerState = iota
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

// String returns the lowercase state name.
func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *WorkerState) UnmarshalText(text []byte) error {
	for st := StateStarting; st <= StateCrashed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// stdoutBufferSize bounds the reader's internal buffer; maxLineSize bounds
// the line.
const stdoutBufferSize = 64 * 1024

// stdoutLine is one line of worker output. oversize marks a line that hit
// maxLineSize; data then holds only its prefix.
type stdoutLine struct {
	data     []byte
	oversize bool
}

// Worker is the supervisor's handle on one running tool-server process.
//
// The dispatcher owns stdin and the lines channel while holding lock.
// The supervisor only signals the process.
type Worker struct {
	desc   ServerDescriptor
	cmd    *exec.Cmd
	logger *slog.Logger

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	// lines carries stdout lines; closed once stdout reaches EOF.
	lines chan stdoutLine

	errMu   sync.Mutex
	readErr error

	// lock admits one exchange at a time. Blocked senders are served FIFO.
	lock chan struct{}

	// owed counts requests that were written but timed out before their
	// answer arrived. Guarded by lock.
	owed int

	state     atomic.Int32
	startedAt time.Time

	// exited is closed by the reaper after cmd.Wait returns.
	exited   chan struct{}
	exitCode int
	exitErr  error

	// done is closed on stop to release the stdout reader.
	done     chan struct{}
	doneOnce sync.Once

	logs    *RingBuffer
	onCrash func(w *Worker, reason string)
	wg      sync.WaitGroup
}

// spawnWorker launches desc and starts its reader, drain and reaper goroutines.
// The returned worker is fully constructed and in StateRunning.
func spawnWorker(desc ServerDescriptor, logger *slog.Logger, logs *RingBuffer) (*Worker, error) {
	path, err := exec.LookPath(desc.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, desc.Args...)
	cmd.Env = desc.Environ()
	lifecycle.Isolate(cmd)

	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}
	pipe := func() (r, w *os.File, err error) {
		r, w, err = os.Pipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
		}
		return r, w, err
	}

	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, stdinW), append(childEnds, stdinR)

	stdoutR, stdoutW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, stdoutR), append(childEnds, stdoutW)

	stderrR, stderrW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, stderrR), append(childEnds, stderrW)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	w := &Worker{
		desc:   desc,
		cmd:    cmd,
		logger: logger.With("server", desc.Name),
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		lines:  make(chan stdoutLine, 16),
		lock:   make(chan struct{}, 1),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		logs:   logs,
	}
	w.state.Store(int32(StateStarting))

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, err
	}
	// The child holds its own copies now.
	closeAll(childEnds)

	w.startedAt = time.Now()
	w.wg.Add(2)
	go w.readStdout()
	go func() {
		defer w.wg.Done()
		drainStderr(w.stderr, w.logger, w.logs)
		_ = w.stderr.Close()
	}()
	go w.reap()

	w.state.Store(int32(StateRunning))
	return w, nil
}

// Name returns the descriptor name.
func (w *Worker) Name() string { return w.desc.Name }

// Descriptor returns the descriptor the worker was started from.
func (w *Worker) Descriptor() ServerDescriptor { return w.desc }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// PID returns the process id.
func (w *Worker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Exited reports whether the process has been reaped, and its exit code.
func (w *Worker) Exited() (bool, int) {
	select {
	case <-w.exited:
		return true, w.exitCode
	default:
		return false, 0
	}
}

// markCrashed moves a running worker to StateCrashed. It is a no-op in any other state.
func (w *Worker) markCrashed(reason string) {
	if !w.state.CompareAndSwap(int32(StateRunning), int32(StateCrashed)) {
		return
	}
	w.logger.Warn("tool server marked crashed", "reason", reason)
	if w.onCrash != nil {
		w.onCrash(w, reason)
	}
}

func (w *Worker) acquire(ctx context.Context) error {
	select {
	case w.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) release() {
	<-w.lock
}

// settleOwed records that one late answer has been consumed. Caller holds lock.
func (w *Worker) settleOwed() {
	if w.owed > 0 {
		w.owed--
	}
}

func (w *Worker) readStdout() {
	defer w.wg.Done()
	defer close(w.lines)
	defer w.stdout.Close()

	r := bufio.NewReaderSize(w.stdout, stdoutBufferSize)
	for {
		line, dropped, err := readLine(r, maxLineSize)
		if len(line) > 0 {
			select {
			case w.lines <- stdoutLine{data: line, oversize: dropped > 0}:
			case <-w.done:
				w.setReadErr(ErrConnectionClosed)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				err = ErrConnectionClosed
			}
			w.setReadErr(err)
			return
		}
	}
}

func (w *Worker) setReadErr(err error) {
	w.errMu.Lock()
	w.readErr = err
	w.errMu.Unlock()
}

// failureCause describes why the worker's streams ended, for diagnostics.
func (w *Worker) failureCause() string {
	var causes []string
	w.errMu.Lock()
	if w.readErr != nil {
		causes = append(causes, "stdout: "+w.readErr.Error())
	}
	w.errMu.Unlock()
	if exited, _ := w.Exited(); exited && w.exitErr != nil {
		causes = append(causes, "process: "+w.exitErr.Error())
	}
	return strings.Join(causes, "; ")
}

func (w *Worker) reap() {
	err := w.cmd.Wait()
	w.exitErr = err
	w.exitCode = w.cmd.ProcessState.ExitCode()
	close(w.exited)

	// Writes after exit fail fast with os.ErrClosed instead of EPIPE.
	_ = w.stdin.Close()

	if w.State() == StateRunning {
		w.logger.Info("tool server exited", "exit_code", w.exitCode, "error", err)
	} else {
		w.logger.Debug("tool server exited", "exit_code", w.exitCode)
	}
}

// terminate signals the process group and waits for the reaper.
// SIGTERM first, SIGKILL after grace.
func (w *Worker) terminate(grace time.Duration) error {
	defer w.doneOnce.Do(func() { close(w.done) })

	select {
	case <-w.exited:
		return nil
	default:
	}

	err := lifecycle.Terminate(w.PID(), w.exited, grace)
	if errors.Is(err, lifecycle.ErrShutdownTimeout) {
		return fmt.Errorf("server %s did not exit after kill: %w", w.desc.Name, err)
	}
	if err != nil {
		w.logger.Debug("terminate signal failed", "error", err)
	}
	return nil
}

// wait blocks until the reader and drain goroutines have finished.
func (w *Worker) wait(timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (w *Worker) stderrTail(n int) []string {
	if w.logs == nil {
		return nil
	}
	lines := w.logs.Last(n)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}
