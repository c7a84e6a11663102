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

/*
Package toolserver supervises local tool-server subprocesses and dispatches
tool invocations to them over a line-delimited JSON protocol on stdio.

# Overview

The package consists of several components:

  - Registry: the set of configured ServerDescriptors, keyed by name
  - Supervisor: spawns, tracks, stops and restarts one worker per descriptor
  - Drain: reads each worker's stderr into the log and a ring buffer
  - Dispatcher: sends one request line and waits for one response line
  - ToolResult: the single Success-or-Failure value every call returns

# Starting Workers

	reg := toolserver.NewRegistry(descs, logger)
	sup := toolserver.NewSupervisor(toolserver.SupervisorConfig{
	    Registry: reg,
	    Logger:   logger,
	})

	for _, lerr := range sup.StartAll(ctx) {
	    logger.Warn("server not started", "server", lerr.Server, "error", lerr)
	}
	defer sup.StopAll()

StartAll never aborts. Missing commands and unsupported transports are
reported and skipped.

# Invoking Tools

	disp := toolserver.NewDispatcher(toolserver.DispatcherConfig{Supervisor: sup})

	res := disp.Invoke(ctx, "jira", "search_issues", map[string]any{"jql": "project = OPS"})
	if res.Failure != nil {
	    switch res.Failure.Kind {
	    case toolserver.KindTimeout:
	        // worker is still alive; retry later
	    case toolserver.KindConnectionClosed:
	        sup.Restart(ctx, "jira")
	    }
	}

Calls to the same server are serialized in arrival order; calls to different
servers run in parallel. A worker sees at most one outstanding request.

# Wire Format

Each request is one line of JSON:

	{"jsonrpc":"2.0","id":"<uuid>","method":"<tool>","params":<args>}

Each response is one line carrying either "result" or "error". Responses
that echo an id different from the in-flight request are discarded as stale.
*/
package toolserver
