// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the crucible command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crucible-mcp/crucible/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "crucible",
	DisableAutoGenTag: true,
	Short:             "Crucible is a multi-tenant code execution broker for MCP clients",
	Long: `Crucible is a multi-tenant code execution broker exposed over MCP (Model Context Protocol).
It runs short-lived code snippets in fifteen languages inside per-session workspaces,
and manages longer-lived VS Code and Playwright sessions on behalf of remote clients.

Every caller is rate limited, every snippet is screened against a deny-pattern policy
before it touches a workspace, and session metadata survives restarts when a Redis
server is configured.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Re-initialize once flags are bound so --debug takes effect.
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the crucible CLI.
func NewRootCmd() *cobra.Command {
	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newLanguagesCommand())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}
