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


// Package toolworker is the worker side of the toolhost stdio protocol.
//
// A worker reads one JSON request per line from stdin and writes exactly
// one JSON response per line to stdout, in order:
//
//	srv := toolworker.New()
//	srv.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return params, nil
//	})
//	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
//	    log.Fatal(err)
//	}
//
// Diagnostics belong on stderr; anything else written to stdout breaks framing.
package toolworker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a protocol error returned to the caller. Handlers may return an
// *Error to choose the code; any other error becomes CodeInternalError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Errorf returns an *Error with CodeInvalidParams.
func Errorf(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// HandlerFunc handles one method call. The returned value is marshalled as
// the response result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type inbound struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type outbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Server dispatches request lines to registered handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for diagnostics. It must not write to stdout.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server with no handlers.
func New(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers fn for method, replacing any previous handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Serve processes requests from r until EOF or ctx is done, writing
// responses to w. EOF returns nil.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := br.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			resp := s.handleLine(ctx, line)
			if err := writeResponse(bw, resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", readErr)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) outbound {
	var req inbound
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("unparseable request", "error", err)
		return errorResponse(nil, CodeParseError, "parse error: "+err.Error())
	}
	if req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "method is required")
	}

	s.mu.RLock()
	fn, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}

	result, err := s.call(ctx, fn, req.Params)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return outbound{ID: req.ID, Error: perr}
		}
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return outbound{ID: req.ID, Result: result}
}

// call runs fn, converting a panic into an internal error so one bad
// request cannot kill the worker.
func (s *Server) call(ctx context.Context, fn HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "panic", r)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return fn(ctx, params)
}

func errorResponse(id json.RawMessage, code int, msg string) outbound {
	return outbound{ID: id, Error: &Error{Code: code, Message: msg}}
}

func writeResponse(bw *bufio.Writer, resp outbound) error {
	resp.JSONRPC = "2.0"
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		fallback := errorResponse(resp.ID, CodeInternalError, "result could not be encoded: "+err.Error())
		fallback.JSONRPC = resp.JSONRPC
		data, _ = json.Marshal(fallback)
	}
	data = append(data, '\n')
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}
