// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package mcptools

import (
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/crucible-mcp/crucible/pkg/versions"
)

// Server wraps the MCP server with the crucible tool set registered.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer builds the MCP server and registers the five crucible tools.
func NewServer(handler *Handler) *Server {
	versionInfo := versions.GetVersionInfo()
	mcpServer := server.NewMCPServer(
		"crucible",
		versionInfo.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	registerTools(mcpServer, handler)
	return &Server{mcpServer: mcpServer}
}

// ServeStdio serves MCP over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// StreamableHTTP returns the HTTP handler to mount at /mcp. The context
// func stamps the caller identity onto every request for rate limiting.
func (s *Server) StreamableHTTP() http.Handler {
	return server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(IdentityContextFunc),
	)
}

// registerTools registers every tool behind the shared guard.
func registerTools(mcpServer *server.MCPServer, handler *Handler) {
	for _, t := range []struct {
		tool mcp.Tool
		fn   server.ToolHandlerFunc
	}{
		{executeCodeTool(), handler.ExecuteCode},
		{createVSCodeSessionTool(), handler.CreateVSCodeSession},
		{createPlaywrightSessionTool(), handler.CreatePlaywrightSession},
		{manageSessionsTool(), handler.ManageSessions},
		{systemHealthTool(), handler.SystemHealth},
	} {
		mcpServer.AddTool(t.tool, handler.guard(t.tool, t.fn))
	}
}
