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

	"github.com/spf13/cobra"

	"github.com/tombee/toolhost/internal/commands/shared"
	"github.com/tombee/toolhost/internal/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the tool server config",
		Long: `Validate the config file without starting anything.

Checks:
- Every entry has a valid name and a command
- Names are unique
- Commands resolve to executables
- Environment variable keys are well-formed

Exits with code 2 when any error is found. Warnings alone exit 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			return renderValidate(cmd.OutOrStdout(), cfg)
		},
	}
}

func renderValidate(out io.Writer, cfg *config.Config) error {
	findings := cfg.Validate()
	failed := config.HasErrors(findings)

	if shared.GetJSON() {
		if findings == nil {
			findings = []config.Finding{}
		}
		if err := shared.EmitJSON(out, struct {
			shared.JSONResponse
			Config   string           `json:"config"`
			Servers  int              `json:"servers"`
			Findings []config.Finding `json:"findings"`
		}{shared.NewJSONResponse("servers validate", !failed), cfg.Path, len(cfg.Servers), findings}); err != nil {
			return err
		}
	} else {
		styler := shared.NewStyler(out)
		fmt.Fprintf(out, "Validating %s\n\n", cfg.Path)
		for _, f := range findings {
			line := fmt.Sprintf("%s: %s", f.Server, f.Detail)
			if f.Level == config.LevelError {
				fmt.Fprintln(out, "  "+styler.Error(line))
			} else {
				fmt.Fprintln(out, "  "+styler.Warn(line))
			}
		}
		if !failed {
			fmt.Fprintln(out, "  "+styler.OK(fmt.Sprintf("%d server(s) valid", len(cfg.Servers))))
		}
	}

	if failed {
		return &shared.ExitError{Code: shared.ExitInvalidConfig}
	}
	return nil
}
