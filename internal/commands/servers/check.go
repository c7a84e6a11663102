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


package servers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/toolserver"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [server...]",
		Short: "Start each server once and report launch failures",
		Long: `Start every enabled server (or only the named ones), report which ones
came up, then stop them all. Nothing is invoked.

Exits with code 9 when any server fails to start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

type checkResult struct {
	Server     string   `json:"server"`
	OK         bool     `json:"ok"`
	PID        int      `json:"pid,omitempty"`
	Error      string   `json:"error,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
	Stderr     []string `json:"stderr,omitempty"`
}

func runCheck(ctx context.Context, out io.Writer, names []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	logger := shared.Logger(os.Stderr)
	rt, err := shared.NewRuntime(ctx, cfg, shared.RuntimeOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if len(names) == 0 {
		for _, d := range rt.Supervisor.Registry().All() {
			if d.Enabled && d.SupportsStdio() {
				names = append(names, d.Name)
			}
		}
	}

	results := make([]checkResult, 0, len(names))
	failed := false
	for _, name := range names {
		res := checkResult{Server: name}
		if err := rt.Supervisor.Start(ctx, name); err != nil {
			failed = true
			res.Error = err.Error()
			var le *toolserver.LaunchError
			if errors.As(err, &le) {
				res.Suggestion = le.Suggestion()
			}
		} else if st, ok := rt.Supervisor.Status(name); ok {
			res.OK = true
			res.PID = st.PID
		}
		res.Stderr = rt.Supervisor.Logs().Tail(name, 5)
		results = append(results, res)
	}

	if err := renderCheck(out, results, failed); err != nil {
		return err
	}
	if failed {
		return &shared.ExitError{Code: shared.ExitLaunchFailed}
	}
	return nil
}

func renderCheck(out io.Writer, results []checkResult, failed bool) error {
	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Results []checkResult `json:"results"`
		}{shared.NewJSONResponse("servers check", !failed), results})
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No enabled tool servers to check.")
		return nil
	}

	styler := shared.NewStyler(out)
	for _, r := range results {
		if r.OK {
			fmt.Fprintln(out, styler.OK(fmt.Sprintf("%s (pid %d)", r.Server, r.PID)))
			continue
		}
		fmt.Fprintln(out, styler.Error(r.Error))
		if r.Suggestion != "" {
			fmt.Fprintf(out, "    %s\n", styler.Render(shared.Muted, "Suggestion: "+r.Suggestion))
		}
		for _, line := range r.Stderr {
			fmt.Fprintf(out, "    %s\n", styler.Render(shared.Muted, line))
		}
	}
	return nil
}
