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


// Package history implements 'toolhost history', a view over the exchange journal.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/journal"
)

// NewCommand creates the history command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "View journaled tool invocations",
		Long: `Commands for listing and pruning the journal of past tool invocations.

Every invocation made through 'toolhost invoke', 'toolhost serve' or
'toolhost bridge' is journaled unless the journal is disabled in config.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newPruneCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		filter journal.Filter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent invocations",
		Example: `  # Example 1: Last 20 invocations
  toolhost history list

  # Example 2: Failures against one server in the last hour
  toolhost history list --server files --failed --since 1h

  # Example 3: Payloads as JSON
  toolhost history list --json | jq '.entries[].payload'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			return withStore(func(store *journal.Store) error {
				entries, err := store.Recent(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return renderList(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().StringVar(&filter.Server, "server", "", "Only invocations of this server")
	cmd.Flags().StringVar(&filter.Tool, "tool", "", "Only invocations of this tool")
	cmd.Flags().BoolVar(&filter.Failed, "failed", false, "Only failed invocations")
	cmd.Flags().DurationVar(&since, "since", 0, "Only invocations newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of entries (0 for all)")

	return cmd
}

func newPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withStore(func(store *journal.Store) error {
				n, err := store.DeleteOlderThan(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if shared.GetJSON() {
					return shared.EmitJSON(out, struct {
						shared.JSONResponse
						Deleted int64 `json:"deleted"`
					}{shared.NewJSONResponse("history prune", true), n})
				}
				fmt.Fprintf(out, "Deleted %d journal entries.\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Delete entries older than this")

	return cmd
}

func withStore(fn func(*journal.Store) error) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	path, err := cfg.JournalPath()
	if err != nil {
		return fmt.Errorf("failed to resolve journal path: %w", err)
	}
	if path == "" {
		return shared.NewConfigError("the journal is disabled in "+cfg.Path, nil)
	}

	store, err := journal.Open(path, shared.Logger(os.Stderr))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func renderList(out io.Writer, entries []journal.Entry) error {
	if shared.GetJSON() {
		if entries == nil {
			entries = []journal.Entry{}
		}
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Entries []journal.Entry `json:"entries"`
		}{shared.NewJSONResponse("history list", true), entries})
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No invocations journaled.")
		return nil
	}

	styler := shared.NewStyler(out)
	fmt.Fprintln(out, styler.Render(shared.Header,
		fmt.Sprintf("%-20s %-16s %-24s %-9s %s", "STARTED", "SERVER", "TOOL", "DURATION", "RESULT")))
	fmt.Fprintln(out, strings.Repeat("-", 90))

	for _, e := range entries {
		result := styler.Render(shared.StatusOK, "ok")
		if !e.OK() {
			result = styler.Render(shared.StatusError, e.Kind) + " " + styler.Render(shared.Muted, truncate(e.Message, 40))
		}
		fmt.Fprintf(out, "%-20s %-16s %-24s %-9s %s\n",
			e.StartedAt.Local().Format(time.DateTime),
			truncate(e.Server, 16),
			truncate(e.Tool, 24),
			(time.Duration(e.DurationMS) * time.Millisecond).String(),
			result,
		)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

