// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-mcp/crucible/pkg/core"
	"github.com/crucible-mcp/crucible/pkg/session"
)

func TestCreateVSCodeSession(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	result := callTool(t, h, createVSCodeSessionTool(), h.CreateVSCodeSession, map[string]any{
		"language": "python",
		"template": "api",
		"memory":   "4g",
	})
	require.False(t, result.IsError, "got: %v", result.Content)

	text := resultText(t, result)
	assert.Contains(t, text, "Session ID: ")
	assert.Contains(t, text, "Language: python")
	assert.Contains(t, text, "Template: api")
	assert.Contains(t, text, "Memory: 4g")
	assert.Contains(t, text, "Status: running")

	resp, ok := result.StructuredContent.(vscodeSessionResponse)
	require.True(t, ok, "structured content must be a vscode session response")
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "api", resp.Template)

	sess, err := h.sessions.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionTypeVSCode, sess.Type)
	assert.DirExists(t, sess.WorkspaceDir)
}

func TestCreateVSCodeSessionDefaults(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	result := callTool(t, h, createVSCodeSessionTool(), h.CreateVSCodeSession, map[string]any{})
	require.False(t, result.IsError, "got: %v", result.Content)

	resp, ok := result.StructuredContent.(vscodeSessionResponse)
	require.True(t, ok)
	assert.Equal(t, "basic", resp.Template)
	assert.Equal(t, "2g", resp.Memory)
	assert.Empty(t, resp.Language)
}

func TestCreatePlaywrightSessionDefaults(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	result := callTool(t, h, createPlaywrightSessionTool(), h.CreatePlaywrightSession, map[string]any{})
	require.False(t, result.IsError, "got: %v", result.Content)

	resp, ok := result.StructuredContent.(playwrightSessionResponse)
	require.True(t, ok, "structured content must be a playwright session response")
	assert.Equal(t, "chromium", resp.Browser)
	assert.True(t, resp.Headless)
	require.NotNil(t, resp.Viewport)
	assert.Equal(t, 1920, resp.Viewport.Width)
	assert.Equal(t, 1080, resp.Viewport.Height)
	assert.Equal(t, "2g", resp.Memory)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, resp.SessionID, resp.ContextID)
	assert.Equal(t, "about:blank", resp.InitialPage)

	text := resultText(t, result)
	assert.Contains(t, text, "Browser: chromium")
	assert.Contains(t, text, "Headless: true")
	assert.Contains(t, text, "Viewport: 1920x1080")
	assert.Contains(t, text, "Context ID: "+resp.SessionID)
	assert.Contains(t, text, "Initial Page: about:blank")
}

func TestCreatePlaywrightSessionCustom(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	result := callTool(t, h, createPlaywrightSessionTool(), h.CreatePlaywrightSession, map[string]any{
		"browser":  "firefox",
		"headless": false,
		"viewport": map[string]any{"width": 1280, "height": 720},
		"memory":   "4g",
	})
	require.False(t, result.IsError, "got: %v", result.Content)

	resp, ok := result.StructuredContent.(playwrightSessionResponse)
	require.True(t, ok)
	assert.Equal(t, "firefox", resp.Browser)
	assert.False(t, resp.Headless)
	require.NotNil(t, resp.Viewport)
	assert.Equal(t, 1280, resp.Viewport.Width)
	assert.Equal(t, 720, resp.Viewport.Height)
	assert.Equal(t, "4g", resp.Memory)
}

func TestCreateSessionHonorsClientCap(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t)
	ctx := WithIdentity(context.Background(), "198.51.100.77")

	for i := 0; i < session.DefaultMaxPerClient; i++ {
		result := callToolCtx(t, ctx, h, createVSCodeSessionTool(), h.CreateVSCodeSession, map[string]any{})
		require.False(t, result.IsError, "create %d should pass", i+1)
	}

	result := callToolCtx(t, ctx, h, createVSCodeSessionTool(), h.CreateVSCodeSession, map[string]any{})
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "rate_limited")
}
