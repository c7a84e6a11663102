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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/toolhost/internal/log"
)

const tracerName = "github.com/tombee/toolhost/internal/toolserver"

// stderrTailLines is how much stderr is attached to ConnectionClosed failures.
const stderrTailLines = 20

// exitGrace is how long a ConnectionClosed failure waits for the exit code.
const exitGrace = 200 * time.Millisecond

// Invoker is anything that can run a tool on a named server.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, args any) ToolResult
}

// Exchange describes one completed invocation.
type Exchange struct {
	ID       string
	Server   string
	Tool     string
	// Params is the encoded tool arguments, not the request envelope.
	Params   []byte
	Result   ToolResult
	Started  time.Time
	Duration time.Duration
}

// Recorder observes completed exchanges. Record is called synchronously
// after the worker lock is released, so slow recorders delay Invoke and
// should queue their work.
type Recorder interface {
	Record(ctx context.Context, ex Exchange)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Supervisor resolves server names to workers (required)
	Supervisor *Supervisor

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// Metrics records invocation outcomes (optional)
	Metrics *Metrics

	// TracerProvider creates invoke spans; defaults to the global provider
	TracerProvider trace.TracerProvider

	// Recorders receive every completed exchange (optional)
	Recorders []Recorder
}

// Dispatcher sends tool invocations to workers, one exchange per worker at a time.
type Dispatcher struct {
	sup       *Supervisor
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	recorders []Recorder

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher over cfg.Supervisor.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Dispatcher{
		sup:       cfg.Supervisor,
		logger:    log.WithComponent(logger, "dispatcher"),
		metrics:   cfg.Metrics,
		tracer:    tp.Tracer(tracerName),
		recorders: cfg.Recorders,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Invoke runs tool on server with args and waits for its single response line.
// It always returns; failures are reported in the result, never as panics.
func (d *Dispatcher) Invoke(ctx context.Context, server, tool string, args any) ToolResult {
	id := uuid.NewString()
	started := time.Now()

	ctx, span := d.tracer.Start(ctx, "toolserver.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("toolserver.server", server),
			attribute.String("toolserver.tool", tool),
			attribute.String("toolserver.request_id", id),
		),
	)
	logger := log.WithCorrelationID(d.logger, id).With("server", server, "tool", tool)

	var params []byte
	res := d.invoke(ctx, logger, id, server, tool, args, &params)
	elapsed := time.Since(started)

	if res.Failure != nil {
		span.SetStatus(codes.Error, res.Failure.Error())
		span.SetAttributes(attribute.String("toolserver.failure", string(res.Failure.Kind)))
		logger.Debug("tool invocation failed",
			"kind", string(res.Failure.Kind),
			"error", res.Failure.Message,
			log.DurationKey, elapsed.Milliseconds())
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Debug("tool invocation succeeded", log.DurationKey, elapsed.Milliseconds())
	}
	span.End()

	d.metrics.recordInvocation(ctx, server, tool, res, elapsed)
	ex := Exchange{
		ID:       id,
		Server:   server,
		Tool:     tool,
		Params:   params,
		Result:   res,
		Started:  started,
		Duration: elapsed,
	}
	for _, r := range d.recorders {
		r.Record(ctx, ex)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, logger *slog.Logger, id, server, tool string, args any, params *[]byte) ToolResult {
	w := d.sup.lookup(server)
	if w == nil {
		return Fail(KindServerNotFound, fmt.Sprintf("no running server named %q", server))
	}

	line, encoded, err := encodeRequest(id, tool, args)
	if err != nil {
		return FailWith(KindProtocolError, "arguments could not be encoded", &Diagnostic{Cause: err.Error()})
	}
	*params = encoded

	if lim := d.limiter(w.desc); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Fail(KindTimeout, "cancelled while waiting for rate limit")
		}
	}

	if err := w.acquire(ctx); err != nil {
		return Fail(KindTimeout, "cancelled while waiting for server")
	}
	defer w.release()

	// A previous exchange may have found the worker dead while we queued.
	if w.State() != StateRunning {
		return Fail(KindServerNotFound, fmt.Sprintf("server %q is %s", server, w.State()))
	}
	if exited, _ := w.Exited(); exited {
		w.markCrashed("process exited")
		return d.connectionClosed(w, "process exited")
	}

	d.discardStray(logger, w)

	deadline := time.Now().Add(w.desc.Timeout)
	if err := d.write(ctx, w, line, deadline); err != nil {
		return d.writeFailure(ctx, logger, w, err)
	}
	log.Trace(logger, "request written", slog.Int("bytes", len(line)))

	return d.await(ctx, logger, w, id, deadline)
}

// write sends line, giving up at deadline or when ctx is done.
func (d *Dispatcher) write(ctx context.Context, w *Worker, line []byte, deadline time.Time) error {
	_ = w.stdin.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = w.stdin.SetWriteDeadline(time.Now())
	})
	defer stop()

	n, err := w.stdin.Write(line)
	if err != nil {
		return &writeError{written: n, err: err}
	}
	return nil
}

type writeError struct {
	written int
	err     error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func (d *Dispatcher) writeFailure(ctx context.Context, logger *slog.Logger, w *Worker, err error) ToolResult {
	var we *writeError
	partial := errors.As(err, &we) && we.written > 0

	if errors.Is(err, os.ErrDeadlineExceeded) {
		if partial {
			// The worker now holds half a request; nothing after it can be framed.
			w.markCrashed("partial request written before deadline")
		}
		msg := "request could not be written before the deadline"
		if ctx.Err() != nil {
			msg = "cancelled while writing request"
		}
		logger.Warn("request write timed out", "partial", partial)
		return FailWith(KindTimeout, msg, &Diagnostic{Cause: err.Error()})
	}

	w.markCrashed("write failed: " + err.Error())
	return d.connectionClosed(w, "write failed: "+err.Error())
}

// await reads lines until one correlates with id, the deadline passes or the
// stream closes.
func (d *Dispatcher) await(ctx context.Context, logger *slog.Logger, w *Worker, id string, deadline time.Time) ToolResult {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case l, ok := <-w.lines:
			if !ok {
				w.markCrashed("stdout closed")
				return d.connectionClosed(w, "stdout closed")
			}
			line := l.data
			log.Trace(logger, "response line received", slog.Int("bytes", len(line)))
			if l.oversize {
				msg := fmt.Sprintf("response line exceeds %d bytes", maxLineSize)
				return FailWith(KindProtocolError, msg, &Diagnostic{Raw: truncate(string(line), 200), Cause: msg})
			}

			resp, err := parseResponse(line)
			if err != nil {
				return FailWith(KindProtocolError, err.Error(), &Diagnostic{Raw: string(line), Cause: err.Error()})
			}
			if !resp.correlates(id) {
				w.settleOwed()
				logger.Warn("discarding stale response", "response_id", string(resp.ID))
				d.metrics.recordStrayLine(w.Name(), "stale")
				continue
			}
			// Without an id, the oldest unanswered request owns the line.
			if !resp.hasID() && w.owed > 0 {
				w.owed--
				logger.Warn("discarding late response to a timed-out request", "owed", w.owed)
				d.metrics.recordStrayLine(w.Name(), "late")
				continue
			}

			switch {
			case resp.hasError:
				return FailWith(KindToolError, remoteMessage(resp.Error), &Diagnostic{Remote: resp.Error})
			case resp.hasResult:
				return Success(resp.Result)
			default:
				return FailWith(KindProtocolError, "response has neither result nor error", &Diagnostic{Raw: string(line)})
			}

		case <-timer.C:
			w.owed++
			return Fail(KindTimeout, fmt.Sprintf("no response within %s", w.desc.Timeout))

		case <-ctx.Done():
			w.owed++
			return FailWith(KindTimeout, "cancelled while waiting for response", &Diagnostic{Cause: ctx.Err().Error()})
		}
	}
}

// discardStray drops stdout lines that arrived while no exchange was in flight,
// such as late answers to timed-out requests.
func (d *Dispatcher) discardStray(logger *slog.Logger, w *Worker) {
	for {
		select {
		case l, ok := <-w.lines:
			if !ok {
				return
			}
			line := l.data
			if _, err := parseResponse(line); !l.oversize && err == nil {
				w.settleOwed()
			}
			logger.Warn("discarding unsolicited output", "line", truncate(string(line), 200), "owed", w.owed)
			d.metrics.recordStrayLine(w.Name(), "unsolicited")
		default:
			return
		}
	}
}

func (d *Dispatcher) connectionClosed(w *Worker, msg string) ToolResult {
	select {
	case <-w.exited:
	case <-time.After(exitGrace):
	}

	diag := &Diagnostic{Stderr: w.stderrTail(stderrTailLines), Cause: w.failureCause()}
	if exited, code := w.Exited(); exited {
		diag.ExitCode = &code
	}
	return FailWith(KindConnectionClosed, msg, diag)
}

func (d *Dispatcher) limiter(desc ServerDescriptor) *rate.Limiter {
	if desc.RateLimit <= 0 {
		return nil
	}

	d.limitMu.Lock()
	defer d.limitMu.Unlock()

	lim, ok := d.limiters[desc.Name]
	if !ok || lim.Limit() != rate.Limit(desc.RateLimit) {
		lim = rate.NewLimiter(rate.Limit(desc.RateLimit), 1)
		d.limiters[desc.Name] = lim
	}
	return lim
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
