// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the crucible MCP server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crucible-mcp/crucible/cmd/crucible/app"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
