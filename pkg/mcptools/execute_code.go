// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/executor"
	"github.com/crucible-mcp/crucible/pkg/languages"
	"github.com/crucible-mcp/crucible/pkg/logger"
	"github.com/crucible-mcp/crucible/pkg/session"
)

// destroyTimeout bounds transient-session teardown after a run. Teardown
// uses its own deadline so it still completes when the request context is
// already canceled.
const destroyTimeout = 10 * time.Second

func executeCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "execute_code",
		Description: "Execute source code in an isolated workspace and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"language": map[string]interface{}{
					"type":        "string",
					"description": "Language id, e.g. 'python' or 'javascript'",
				},
				"code": map[string]interface{}{
					"type":        "string",
					"minLength":   1,
					"description": "Source code to execute",
				},
				"sessionId": map[string]interface{}{
					"type":        "string",
					"description": "Existing session to run in; omitted runs use a transient session",
				},
				"timeoutMs": map[string]interface{}{
					"type":        "integer",
					"minimum":     1000,
					"maximum":     300000,
					"description": "Wall-clock limit in milliseconds (default 30000)",
				},
				"stdin": map[string]interface{}{
					"type":        "string",
					"description": "Data fed to the process on standard input",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

// executeCodeArgs are the arguments for the execute_code tool.
type executeCodeArgs struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	Stdin     string `json:"stdin,omitempty"`
}

// executionResponse is the structured content accompanying the text report.
type executionResponse struct {
	SessionID     string `json:"session_id"`
	Language      string `json:"language"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	WallTimeMs    int64  `json:"wall_time_ms"`
	PeakMemoryMiB int64  `json:"peak_memory_mib,omitempty"`
	TimedOut      bool   `json:"timed_out,omitempty"`
}

// ExecuteCode handles the execute_code tool. Code is screened before any
// resource is acquired; runs without a sessionId get a transient execution
// session that is destroyed when the call returns.
func (h *Handler) ExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args executeCodeArgs
	if err := request.BindArguments(&args); err != nil {
		return toolError(crucerr.NewBadRequestError("invalid arguments", err)), nil
	}

	if _, ok := languages.Lookup(args.Language); !ok {
		return toolError(crucerr.NewUnsupportedError(
			fmt.Sprintf("unsupported language %q", args.Language))), nil
	}

	if verdict := h.screener.Screen(args.Language, args.Code); !verdict.Valid {
		h.metrics.PolicyRejectionsTotal.WithLabelValues(args.Language).Inc()
		return toolError(crucerr.NewPolicyRejectedError(
			fmt.Sprintf("code rejected by policy: %s", verdict.Reason))), nil
	}

	sessionID := args.SessionID
	if sessionID == "" {
		sess, err := h.transientSession(ctx, args.Language)
		if err != nil {
			return toolError(err), nil
		}
		defer h.destroyTransient(sess.ID)
		sessionID = sess.ID
	}

	res, err := h.engine.Execute(ctx, executor.Request{
		SessionID: sessionID,
		Language:  args.Language,
		Code:      args.Code,
		Stdin:     args.Stdin,
		TimeoutMs: args.TimeoutMs,
	})
	if err != nil {
		return toolError(err), nil
	}

	report := renderExecutionReport(res)
	if res.TimedOut {
		timeoutErr := crucerr.NewTimeoutError(
			fmt.Sprintf("execution timed out after %d ms", res.WallTimeMs), nil)
		return mcp.NewToolResultError(timeoutErr.Error() + "\n\n" + report), nil
	}

	return mcp.NewToolResultStructured(executionResponse{
		SessionID:     sessionID,
		Language:      args.Language,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExitCode:      res.ExitCode,
		WallTimeMs:    res.WallTimeMs,
		PeakMemoryMiB: res.PeakMemoryMiB,
		TimedOut:      res.TimedOut,
	}, report), nil
}

// transientSession creates and provisions a throwaway execution session
// owned by the caller.
func (h *Handler) transientSession(ctx context.Context, language string) (*core.Session, error) {
	sess, err := h.sessions.Create(ctx, session.CreateOptions{
		Type:     core.SessionTypeExecution,
		Owner:    IdentityFromContext(ctx),
		Language: language,
	})
	if err != nil {
		return nil, err
	}
	if _, err := h.sessions.Provision(ctx, sess.ID); err != nil {
		h.destroyTransient(sess.ID)
		return nil, err
	}
	return sess, nil
}

func (h *Handler) destroyTransient(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := h.sessions.Destroy(ctx, id); err != nil {
		logger.Warnf("Destroying transient session %s: %v", id, err)
	}
}

// renderExecutionReport formats a result as the report returned to the
// caller. Output and error sections appear only when the run produced any.
func renderExecutionReport(res *executor.Result) string {
	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString("Output:\n")
		writeBlock(&b, res.Stdout)
	}
	if res.Stderr != "" {
		b.WriteString("Errors:\n")
		writeBlock(&b, res.Stderr)
	}
	fmt.Fprintf(&b, "Exit Code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "Execution Time: %d ms", res.WallTimeMs)
	if res.PeakMemoryMiB > 0 {
		fmt.Fprintf(&b, "\nMemory Usage: %d MiB", res.PeakMemoryMiB)
	}
	return b.String()
}

func writeBlock(b *strings.Builder, text string) {
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
}
