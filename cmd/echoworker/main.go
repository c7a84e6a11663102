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


// Command echoworker is a minimal tool server for trying toolhost out and
// for exercising its failure paths by hand.
//
//	servers:
//	  echo:
//	    command: echoworker
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/toolhost/internal/log"
	"github.com/tombee/toolhost/pkg/toolworker"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("echoworker %s\n", version)
		os.Exit(0)
	}

	// stdout carries the protocol; logs must stay on stderr.
	logger := log.New(log.FromEnv())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := toolworker.New(toolworker.WithLogger(logger))
	register(srv, logger)

	logger.Info("echoworker ready", "methods", srv.Methods())
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("serve failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func register(srv *toolworker.Server, logger *slog.Logger) {
	srv.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	srv.Handle("sleep", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, toolworker.Errorf("invalid params: %v", err)
		}
		d, err := time.ParseDuration(p.Duration)
		if err != nil {
			return nil, toolworker.Errorf("invalid duration %q", p.Duration)
		}
		select {
		case <-time.After(d):
			return map[string]string{"slept": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	srv.Handle("fail", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Message == "" {
			p.Message = "requested failure"
		}
		logger.Warn("failing on request", "message", p.Message)
		return nil, &toolworker.Error{Code: toolworker.CodeInternalError, Message: p.Message}
	})

	srv.Handle("env", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Prefix string `json:"prefix"`
		}
		_ = json.Unmarshal(params, &p)
		var out []string
		for _, kv := range os.Environ() {
			if strings.HasPrefix(kv, p.Prefix) {
				out = append(out, kv)
			}
		}
		slices.Sort(out)
		return out, nil
	})

	srv.Handle("exit", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(params, &p)
		logger.Warn("exiting on request", "code", p.Code)
		os.Exit(p.Code)
		return nil, nil
	})
}
