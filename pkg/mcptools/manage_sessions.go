// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
)

const timestampLayout = "2006-01-02 15:04:05"

func manageSessionsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "manage_sessions",
		Description: "List, inspect, or destroy sessions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"action": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"list", "get", "destroy"},
					"description": "Operation to perform",
				},
				"sessionId": map[string]interface{}{
					"type":        "string",
					"description": "Target session; required for get and destroy",
				},
			},
			Required: []string{"action"},
		},
	}
}

// manageSessionsArgs are the arguments for the manage_sessions tool.
type manageSessionsArgs struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

// sessionInfo is the structured record returned by list and get.
type sessionInfo struct {
	SessionID      string            `json:"session_id"`
	Type           string            `json:"type"`
	Language       string            `json:"language,omitempty"`
	Status         string            `json:"status"`
	Memory         string            `json:"memory,omitempty"`
	Template       string            `json:"template,omitempty"`
	Browser        string            `json:"browser,omitempty"`
	Endpoints      map[string]string `json:"endpoints,omitempty"`
	WorkspaceDir   string            `json:"workspace_dir,omitempty"`
	CreatedAt      string            `json:"created_at"`
	LastAccessedAt string            `json:"last_accessed_at"`
}

type sessionListResponse struct {
	Count    int           `json:"count"`
	Sessions []sessionInfo `json:"sessions"`
}

// ManageSessions handles the manage_sessions tool. Listing is scoped to the
// caller's sessions; get and destroy address any session by id.
func (h *Handler) ManageSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args manageSessionsArgs
	if err := request.BindArguments(&args); err != nil {
		return toolError(crucerr.NewBadRequestError("invalid arguments", err)), nil
	}

	switch args.Action {
	case "list":
		return h.listSessions(ctx)
	case "get", "destroy":
		if args.SessionID == "" {
			return toolError(crucerr.NewBadRequestError(
				fmt.Sprintf("sessionId is required for action %q", args.Action), nil)), nil
		}
		if args.Action == "get" {
			return h.getSession(ctx, args.SessionID)
		}
		return h.destroySession(ctx, args.SessionID)
	default:
		return toolError(crucerr.NewBadRequestError(
			fmt.Sprintf("unknown action %q", args.Action), nil)), nil
	}
}

func (h *Handler) listSessions(ctx context.Context) (*mcp.CallToolResult, error) {
	sessions, err := h.sessions.List(ctx, IdentityFromContext(ctx))
	if err != nil {
		return toolError(err), nil
	}

	infos := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, newSessionInfo(sess))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s).", len(infos))
	for _, info := range infos {
		fmt.Fprintf(&b, "\n%s  %-10s  %-8s  created %s",
			info.SessionID, info.Type, info.Status, info.CreatedAt)
	}

	return mcp.NewToolResultStructured(sessionListResponse{
		Count:    len(infos),
		Sessions: infos,
	}, b.String()), nil
}

func (h *Handler) getSession(ctx context.Context, id string) (*mcp.CallToolResult, error) {
	sess, err := h.sessions.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultStructured(newSessionInfo(sess), renderSession(sess)), nil
}

func (h *Handler) destroySession(ctx context.Context, id string) (*mcp.CallToolResult, error) {
	if err := h.sessions.Destroy(ctx, id); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultStructured(map[string]interface{}{
		"session_id": id,
		"status":     "destroyed",
	}, fmt.Sprintf("Session %s destroyed.", id)), nil
}

func newSessionInfo(sess *core.Session) sessionInfo {
	return sessionInfo{
		SessionID:      sess.ID,
		Type:           string(sess.Type),
		Language:       sess.Language,
		Status:         string(sess.Status),
		Memory:         sess.MemoryBudget,
		Template:       sess.Template,
		Browser:        sess.Browser,
		Endpoints:      sess.Endpoints,
		WorkspaceDir:   sess.WorkspaceDir,
		CreatedAt:      sess.CreatedAt.Format(timestampLayout),
		LastAccessedAt: sess.LastAccessedAt.Format(timestampLayout),
	}
}

func renderSession(sess *core.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session ID: %s\n", sess.ID)
	fmt.Fprintf(&b, "Type: %s\n", sess.Type)
	if sess.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", sess.Language)
	}
	fmt.Fprintf(&b, "Status: %s\n", sess.Status)
	if sess.MemoryBudget != "" {
		fmt.Fprintf(&b, "Memory: %s\n", sess.MemoryBudget)
	}
	if sess.Template != "" {
		fmt.Fprintf(&b, "Template: %s\n", sess.Template)
	}
	if sess.Browser != "" {
		fmt.Fprintf(&b, "Browser: %s\n", sess.Browser)
		fmt.Fprintf(&b, "Headless: %t\n", sess.Headless)
	}
	if sess.Viewport != nil {
		fmt.Fprintf(&b, "Viewport: %dx%d\n", sess.Viewport.Width, sess.Viewport.Height)
	}
	for _, name := range sortedKeys(sess.Endpoints) {
		fmt.Fprintf(&b, "Endpoint %s: %s\n", name, sess.Endpoints[name])
	}
	if sess.WorkspaceDir != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", sess.WorkspaceDir)
	}
	fmt.Fprintf(&b, "Created: %s\n", sess.CreatedAt.Format(timestampLayout))
	fmt.Fprintf(&b, "Last Accessed: %s", sess.LastAccessedAt.Format(timestampLayout))
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
