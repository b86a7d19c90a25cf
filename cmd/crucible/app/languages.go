// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/crucible-mcp/crucible/pkg/languages"
)

// newLanguagesCommand creates the 'languages' subcommand.
func newLanguagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the supported execution languages",
		Long: `Display the languages the execute_code tool accepts, with the toolchain version,
source file extension, execution mode, and the packages preinstalled into each
language's base workspace.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return renderLanguagesTable()
		},
	}
}

func renderLanguagesTable() error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"ID", "Name", "Version", "Extension", "Compiled", "Default Packages"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(6, tw.AlignLeft)),
	)

	for _, desc := range languages.All() {
		compiled := "no"
		if desc.Compiled {
			compiled = "yes"
		}
		if err := table.Append([]string{
			desc.ID,
			desc.DisplayName,
			desc.Version,
			desc.Extension,
			compiled,
			strings.Join(desc.DefaultPackages, ", "),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
