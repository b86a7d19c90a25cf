// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/mark3labs/mcp-go/mcp"

	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/health"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

func systemHealthTool() mcp.Tool {
	return mcp.Tool{
		Name:        "system_health",
		Description: "Report server health, session statistics, and component status",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"detailed": map[string]interface{}{
					"type":        "boolean",
					"description": "Include per-component detail and a metrics snapshot",
				},
			},
		},
	}
}

// systemHealthArgs are the arguments for the system_health tool.
type systemHealthArgs struct {
	Detailed bool `json:"detailed,omitempty"`
}

// SystemHealth handles the system_health tool.
func (h *Handler) SystemHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args systemHealthArgs
	if err := request.BindArguments(&args); err != nil {
		return toolError(crucerr.NewBadRequestError("invalid arguments", err)), nil
	}

	report := h.checker.Status(ctx, args.Detailed)
	text := renderHealthReport(report)

	if args.Detailed {
		snapshot, err := h.metrics.RenderText()
		if err != nil {
			logger.Warnf("Rendering metrics snapshot: %v", err)
		} else {
			text += "\n\nMetrics:\n" + snapshot
		}
	}

	return mcp.NewToolResultStructured(report, text), nil
}

func renderHealthReport(report health.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall: %s\n", report.Status)
	fmt.Fprintf(&b, "Timestamp: %s\n", report.Timestamp.Format(timestampLayout))
	fmt.Fprintf(&b, "Uptime: %s\n", time.Duration(report.UptimeSeconds)*time.Second)
	fmt.Fprintf(&b, "Version: %s\n", report.Version)
	fmt.Fprintf(&b, "Platform: %s\n", report.Platform)
	fmt.Fprintf(&b, "Memory: rss %s, heap %s of %s, host %s of %s\n",
		units.BytesSize(float64(report.Memory.RSSBytes)),
		units.BytesSize(float64(report.Memory.HeapUsedBytes)),
		units.BytesSize(float64(report.Memory.HeapTotalBytes)),
		units.BytesSize(float64(report.Memory.SystemUsedBytes)),
		units.BytesSize(float64(report.Memory.SystemTotalBytes)))

	fmt.Fprintf(&b, "Sessions: %d total", report.Sessions.Total)
	writeCounts(&b, "by type", report.Sessions.ByType)
	writeCounts(&b, "by status", report.Sessions.ByStatus)
	writeCounts(&b, "by language", report.Sessions.ByLanguage)

	if len(report.Components) > 0 {
		b.WriteString("\n\nComponents:")
		for _, name := range sortedKeys(report.Components) {
			component := report.Components[name]
			fmt.Fprintf(&b, "\n  %s: %s", name, component.Status)
			if component.Detail != "" {
				fmt.Fprintf(&b, " (%s)", component.Detail)
			}
		}
	}
	return b.String()
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(b, "\n  %s:", label)
	for _, key := range sortedKeys(counts) {
		fmt.Fprintf(b, " %s=%d", key, counts[key])
	}
}
