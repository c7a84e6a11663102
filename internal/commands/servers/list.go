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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/config"
	"github.com/tombee/toolhost/internal/toolserver"
)

type serverView struct {
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Transport string   `json:"transport"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Env       []string `json:"env,omitempty"`
	Timeout   string   `json:"timeout"`
	RateLimit float64  `json:"rate_limit,omitempty"`
}

func newServerView(d toolserver.ServerDescriptor) serverView {
	return serverView{
		Name:      d.Name,
		Enabled:   d.Enabled,
		Transport: string(d.Transport),
		Command:   d.Command,
		Args:      d.Args,
		Env:       config.RedactEnv(d.Env),
		Timeout:   d.Timeout.String(),
		RateLimit: d.RateLimit,
	}
}

func newListCommand() *cobra.Command {
	var showEnv bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured tool servers",
		Long: `List every tool server in the config file. Environment values whose
keys look like secrets are redacted.`,
		Example: `  # Example 1: List servers
  toolhost servers list

  # Example 2: Extract enabled server names for scripting
  toolhost servers list --json | jq -r '.servers[] | select(.enabled) | .name'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			return renderList(cmd.OutOrStdout(), cfg, showEnv)
		},
	}

	cmd.Flags().BoolVar(&showEnv, "env", false, "Show each server's environment (secrets redacted)")

	return cmd
}

func renderList(out io.Writer, cfg *config.Config, showEnv bool) error {
	views := make([]serverView, 0, len(cfg.Servers))
	for _, d := range cfg.Servers {
		views = append(views, newServerView(d))
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Config  string       `json:"config"`
			Servers []serverView `json:"servers"`
		}{shared.NewJSONResponse("servers list", true), cfg.Path, views})
	}

	if len(views) == 0 {
		fmt.Fprintf(out, "No tool servers configured in %s.\n", cfg.Path)
		return nil
	}

	styler := shared.NewStyler(out)
	fmt.Fprintln(out, styler.Render(shared.Header,
		fmt.Sprintf("%-20s %-8s %-10s %s", "NAME", "ENABLED", "TIMEOUT", "COMMAND")))
	fmt.Fprintln(out, strings.Repeat("-", 70))

	for _, v := range views {
		enabled := styler.Render(shared.StatusOK, "yes")
		if !v.Enabled {
			enabled = styler.Render(shared.Muted, "no")
		}
		command := strings.Join(append([]string{v.Command}, v.Args...), " ")
		fmt.Fprintf(out, "%-20s %-8s %-10s %s\n",
			truncate(v.Name, 20), enabled, v.Timeout, truncate(command, 60))
		if showEnv {
			for _, kv := range v.Env {
				fmt.Fprintf(out, "    %s\n", styler.Render(shared.Muted, kv))
			}
		}
	}
	return nil
}
