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


// Package cli builds the toolhost root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for toolhost
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolhost",
		Short: "toolhost - supervise local tool servers and call their tools",
		Long: `toolhost launches tool servers as child processes, talks to them over
line-delimited JSON on stdin/stdout, and maps every outcome to a small set of
structured failure kinds.

Run 'toolhost servers list' to see what is configured.
Run 'toolhost invoke <server> <tool> [json-args]' to call a tool.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	jsonOut, config, logLevel, logFormat := shared.RegisterFlagPointers()

	flags := cmd.PersistentFlags()
	flags.BoolVar(jsonOut, "json", false, "Output in JSON format")
	flags.StringVar(config, "config", "", "Path to the server config (default: $TOOLHOST_CONFIG, ./mcp.json or ~/.config/toolhost/servers.yaml)")
	flags.StringVar(logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (default: $TOOLHOST_LOG_LEVEL or info)")
	flags.StringVar(logFormat, "log-format", "", "Log format: json or text (default: $LOG_FORMAT or json)")
	flags.SetNormalizeFunc(normalizeFlagName)

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
