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

func createVSCodeSessionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "create_vscode_session",
		Description: "Create a web IDE session with a prepared project workspace",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"language": map[string]interface{}{
					"type":        "string",
					"description": "Language the workspace is prepared for",
				},
				"template": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"basic", "web", "api", "data-science", "machine-learning"},
					"description": "Project template (default basic)",
				},
				"memory": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"1g", "2g", "4g", "8g"},
					"description": "Memory budget (default 2g)",
				},
			},
		},
	}
}

// createVSCodeSessionArgs are the arguments for the create_vscode_session tool.
type createVSCodeSessionArgs struct {
	Language string `json:"language,omitempty"`
	Template string `json:"template,omitempty"`
	Memory   string `json:"memory,omitempty"`
}

type vscodeSessionResponse struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language,omitempty"`
	Template  string `json:"template"`
	Memory    string `json:"memory"`
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
}

// CreateVSCodeSession handles the create_vscode_session tool.
func (h *Handler) CreateVSCodeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createVSCodeSessionArgs
	if err := request.BindArguments(&args); err != nil {
		return toolError(crucerr.NewBadRequestError("invalid arguments", err)), nil
	}

	sess, err := h.sessions.Create(ctx, session.CreateOptions{
		Type:     core.SessionTypeVSCode,
		Owner:    IdentityFromContext(ctx),
		Language: args.Language,
		Memory:   args.Memory,
		Template: args.Template,
	})
	if err != nil {
		return toolError(err), nil
	}
	// A provisioning failure leaves the record in status error for the
	// cleanup sweep; the caller sees the failure here.
	sess, err = h.sessions.Provision(ctx, sess.ID)
	if err != nil {
		return toolError(err), nil
	}

	var b strings.Builder
	b.WriteString("VS Code session created.\n\n")
	fmt.Fprintf(&b, "Session ID: %s\n", sess.ID)
	if sess.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", sess.Language)
	}
	fmt.Fprintf(&b, "Template: %s\n", sess.Template)
	fmt.Fprintf(&b, "Memory: %s\n", sess.MemoryBudget)
	fmt.Fprintf(&b, "Status: %s", sess.Status)
	if url := sess.Endpoints["url"]; url != "" {
		fmt.Fprintf(&b, "\nURL: %s", url)
	}

	return mcp.NewToolResultStructured(vscodeSessionResponse{
		SessionID: sess.ID,
		Language:  sess.Language,
		Template:  sess.Template,
		Memory:    sess.MemoryBudget,
		Status:    string(sess.Status),
		URL:       sess.Endpoints["url"],
	}, b.String()), nil
}
