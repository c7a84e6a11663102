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


// Package invoke implements the 'invoke' command: run one tool on one server.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/jq"
	"github.com/tombee/toolhost/internal/permissions"
	"github.com/tombee/toolhost/internal/toolserver"
)

type options struct {
	jqExpr   string
	role     string
	timeout  time.Duration
	argsFile string
}

// response is the --json output.
type response struct {
	shared.JSONResponse
	Server   string              `json:"server"`
	Tool     string              `json:"tool"`
	Result   json.RawMessage     `json:"result,omitempty"`
	Filtered []any               `json:"filtered,omitempty"`
	Failure  *toolserver.Failure `json:"failure,omitempty"`
}

// NewCommand creates the invoke command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "invoke <server> <tool> [json-args]",
		Short: "Invoke a tool on a tool server",
		Long: `Start one tool server, send it a single request and print the result.

Arguments are a JSON value, given inline or with --args-file ('-' reads stdin).
The exit code identifies the failure kind: 3 server not found, 4 connection
closed, 5 timeout, 6 protocol error, 7 tool error, 8 permission denied,
9 launch failed.`,
		Example: `  # Call a tool with inline arguments
  toolhost invoke files read_file '{"path": "README.md"}'

  # Extract one field from the result
  toolhost invoke weather forecast '{"city": "Oslo"}' --jq '.days[0].summary'

  # Read arguments from stdin, acting as a restricted role
  echo '{"q": "go"}' | toolhost invoke search query --args-file - --role reader`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rawArgs string
			if len(args) == 3 {
				rawArgs = args[2]
			}
			return run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], args[1], rawArgs, opts)
		},
	}

	cmd.Flags().StringVar(&opts.jqExpr, "jq", "", "jq expression applied to the result")
	cmd.Flags().StringVar(&opts.role, "role", "", "Role used for permission checks")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Overall deadline, including server start")
	cmd.Flags().StringVar(&opts.argsFile, "args-file", "", "Read JSON arguments from a file ('-' for stdin)")

	return cmd
}

func run(ctx context.Context, stdin io.Reader, out io.Writer, server, tool, rawArgs string, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	args, err := readArgs(stdin, rawArgs, opts.argsFile)
	if err != nil {
		return err
	}

	var filter *jq.Filter
	if opts.jqExpr != "" {
		filter, err = jq.Compile(opts.jqExpr, 0, 0)
		if err != nil {
			return err
		}
	}

	logger := shared.Logger(os.Stderr)
	cfg, err := shared.LoadConfigOrEmpty(logger)
	if err != nil {
		return err
	}
	rt, err := shared.NewRuntime(ctx, cfg, shared.RuntimeOptions{Logger: logger, Journal: true})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if _, ok := rt.Supervisor.Registry().Lookup(server); ok {
		if err := rt.Supervisor.Start(ctx, server); err != nil && !errors.Is(err, toolserver.ErrAlreadyRunning) {
			var lerr *toolserver.LaunchError
			if errors.As(err, &lerr) {
				return shared.NewLaunchError(lerr)
			}
			return err
		}
	}

	if opts.role != "" {
		ctx = permissions.WithRole(ctx, opts.role)
	}
	res := rt.Invoker.Invoke(ctx, server, tool, args)
	return render(ctx, out, server, tool, res, filter)
}

// readArgs returns nil when no arguments were given, so the request carries {}.
func readArgs(stdin io.Reader, inline, file string) (json.RawMessage, error) {
	if inline != "" && file != "" {
		return nil, errors.New("give arguments inline or with --args-file, not both")
	}

	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read arguments from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read arguments: %w", err)
		}
		data = b
	default:
		return nil, nil
	}

	if !json.Valid(data) {
		return nil, errors.New("arguments are not valid JSON")
	}
	return json.RawMessage(data), nil
}

func render(ctx context.Context, out io.Writer, server, tool string, res toolserver.ToolResult, filter *jq.Filter) error {
	var filtered []any
	if res.OK() && filter != nil {
		var err error
		filtered, err = filter.Apply(ctx, res.Payload)
		if err != nil {
			return fmt.Errorf("jq: %w", err)
		}
	}

	if shared.GetJSON() {
		resp := response{
			JSONResponse: shared.NewJSONResponse("invoke", res.OK()),
			Server:       server,
			Tool:         tool,
			Result:       res.Payload,
			Filtered:     filtered,
			Failure:      res.Failure,
		}
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
		if !res.OK() {
			return &shared.ExitError{Code: shared.ExitCodeForKind(res.Failure.Kind)}
		}
		return nil
	}

	if !res.OK() {
		printDiagnostic(os.Stderr, res.Failure)
		return shared.NewFailureError(res.Failure)
	}

	if filter != nil {
		for _, v := range filtered {
			if err := shared.EmitJSON(out, v); err != nil {
				return err
			}
		}
		return nil
	}
	return shared.EmitJSON(out, res.Payload)
}

func printDiagnostic(w io.Writer, f *toolserver.Failure) {
	d := f.Detail
	if d == nil {
		return
	}
	if d.ExitCode != nil {
		fmt.Fprintf(w, "server exit code: %d\n", *d.ExitCode)
	}
	if len(d.Stderr) > 0 {
		fmt.Fprintln(w, "recent server stderr:")
		for _, line := range d.Stderr {
			fmt.Fprintln(w, "  "+line)
		}
	}
	if d.Raw != "" {
		fmt.Fprintf(w, "raw response: %s\n", d.Raw)
	}
}
