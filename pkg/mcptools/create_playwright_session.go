// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/session"
)

func createPlaywrightSessionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "create_playwright_session",
		Description: "Create a browser automation session with an isolated context",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"browser": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"chromium", "firefox", "webkit"},
					"description": "Browser engine (default chromium)",
				},
				"headless": map[string]interface{}{
					"type":        "boolean",
					"description": "Run the browser headless (default true)",
				},
				"viewport": map[string]interface{}{
					"type":        "object",
					"description": "Browser window size (default 1920x1080)",
					"properties": map[string]interface{}{
						"width": map[string]interface{}{
							"type":    "integer",
							"minimum": 320,
							"maximum": 3840,
						},
						"height": map[string]interface{}{
							"type":    "integer",
							"minimum": 240,
							"maximum": 2160,
						},
					},
					"required": []string{"width", "height"},
				},
				"memory": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"2g", "4g", "8g"},
					"description": "Memory budget (default 2g)",
				},
			},
		},
	}
}

// createPlaywrightSessionArgs are the arguments for the
// create_playwright_session tool.
type createPlaywrightSessionArgs struct {
	Browser  string         `json:"browser,omitempty"`
	Headless *bool          `json:"headless,omitempty"`
	Viewport *core.Viewport `json:"viewport,omitempty"`
	Memory   string         `json:"memory,omitempty"`
}

type playwrightSessionResponse struct {
	SessionID   string            `json:"session_id"`
	Browser     string            `json:"browser"`
	Headless    bool              `json:"headless"`
	Viewport    *core.Viewport    `json:"viewport,omitempty"`
	Memory      string            `json:"memory"`
	Status      string            `json:"status"`
	Endpoints   map[string]string `json:"endpoints,omitempty"`
	ContextID   string            `json:"context_id,omitempty"`
	InitialPage string            `json:"initial_page,omitempty"`
}

// CreatePlaywrightSession handles the create_playwright_session tool.
func (h *Handler) CreatePlaywrightSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createPlaywrightSessionArgs
	if err := request.BindArguments(&args); err != nil {
		return toolError(crucerr.NewBadRequestError("invalid arguments", err)), nil
	}

	sess, err := h.sessions.Create(ctx, session.CreateOptions{
		Type:     core.SessionTypePlaywright,
		Owner:    IdentityFromContext(ctx),
		Memory:   args.Memory,
		Browser:  args.Browser,
		Headless: args.Headless,
		Viewport: args.Viewport,
	})
	if err != nil {
		return toolError(err), nil
	}
	sess, err = h.sessions.Provision(ctx, sess.ID)
	if err != nil {
		return toolError(err), nil
	}

	var b strings.Builder
	b.WriteString("Playwright session created.\n\n")
	fmt.Fprintf(&b, "Session ID: %s\n", sess.ID)
	fmt.Fprintf(&b, "Browser: %s\n", sess.Browser)
	fmt.Fprintf(&b, "Headless: %t\n", sess.Headless)
	if sess.Viewport != nil {
		fmt.Fprintf(&b, "Viewport: %dx%d\n", sess.Viewport.Width, sess.Viewport.Height)
	}
	fmt.Fprintf(&b, "Memory: %s\n", sess.MemoryBudget)
	fmt.Fprintf(&b, "Status: %s", sess.Status)
	if ctxID := sess.Endpoints["contextId"]; ctxID != "" {
		fmt.Fprintf(&b, "\nContext ID: %s", ctxID)
	}
	if page := sess.Endpoints["initialPage"]; page != "" {
		fmt.Fprintf(&b, "\nInitial Page: %s", page)
	}

	return mcp.NewToolResultStructured(playwrightSessionResponse{
		SessionID:   sess.ID,
		Browser:     sess.Browser,
		Headless:    sess.Headless,
		Viewport:    sess.Viewport,
		Memory:      sess.MemoryBudget,
		Status:      string(sess.Status),
		Endpoints:   sess.Endpoints,
		ContextID:   sess.Endpoints["contextId"],
		InitialPage: sess.Endpoints["initialPage"],
	}, b.String()), nil
}
