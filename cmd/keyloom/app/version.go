// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keyloom/keyloom/pkg/versions"
)

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the keyloom version",
		Long:  `Display the keyloom version, git commit, build date, Go version, and platform.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()

			if jsonOutput {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding version info: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			fmt.Fprintf(out, "Keyloom %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}
