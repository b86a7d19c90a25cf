// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcptools exposes the crucible tool surface over MCP: five tools
// mapped onto the session manager, execution engine, policy screener and
// health checker. Every handler validates its arguments against the tool's
// input schema and charges the caller's rate-limit budget before touching
// any domain component.
package mcptools

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/crucible-mcp/crucible/pkg/admission"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/executor"
	"github.com/crucible-mcp/crucible/pkg/health"
	"github.com/crucible-mcp/crucible/pkg/policy"
	"github.com/crucible-mcp/crucible/pkg/session"
	"github.com/crucible-mcp/crucible/pkg/telemetry"
)

// LocalIdentity is the rate-limit identity used when no transport identity
// is available (stdio transport).
const LocalIdentity = "local"

// Handler handles the crucible tool requests.
type Handler struct {
	sessions *session.Manager
	engine   *executor.Engine
	screener *policy.Screener
	limiter  *admission.Limiter
	checker  *health.Checker
	metrics  *telemetry.Metrics
}

// NewHandler wires a handler over the server's components. A nil metrics
// set falls back to the process-wide instance.
func NewHandler(
	sessions *session.Manager,
	engine *executor.Engine,
	screener *policy.Screener,
	limiter *admission.Limiter,
	checker *health.Checker,
	metrics *telemetry.Metrics,
) *Handler {
	if metrics == nil {
		metrics = telemetry.Get()
	}
	return &Handler{
		sessions: sessions,
		engine:   engine,
		screener: screener,
		limiter:  limiter,
		checker:  checker,
		metrics:  metrics,
	}
}

// guard wraps a tool handler with the shared admission steps: schema
// validation, rate limiting and tool-duration observation. Handlers behind
// it can trust the argument shape.
func (h *Handler) guard(tool mcp.Tool, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	schema := mustCompileSchema(tool)

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		defer func() {
			h.metrics.ToolDuration.WithLabelValues(tool.Name).
				Observe(float64(time.Since(start).Milliseconds()))
		}()

		if err := validateArgs(schema, request); err != nil {
			return toolError(err), nil
		}
		if err := h.limiter.Consume(IdentityFromContext(ctx), 1); err != nil {
			return toolError(err), nil
		}
		return next(ctx, request)
	}
}

// toolError renders a typed error as a tool result. Untyped errors are
// wrapped as internal so the caller always sees an error kind.
func toolError(err error) *mcp.CallToolResult {
	var e *crucerr.Error
	if !errors.As(err, &e) {
		err = crucerr.NewInternalError("unexpected error", err)
	}
	return mcp.NewToolResultError(err.Error())
}

type identityKey struct{}

// WithIdentity stamps the caller identity used for rate limiting onto the
// context.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller identity, or LocalIdentity when
// the transport did not provide one.
func IdentityFromContext(ctx context.Context) string {
	if identity, ok := ctx.Value(identityKey{}).(string); ok && identity != "" {
		return identity
	}
	return LocalIdentity
}

// IdentityContextFunc derives the caller identity from the HTTP request
// for the streamable HTTP transport. X-Forwarded-For wins over the socket
// peer so deployments behind a proxy still rate-limit per client.
func IdentityContextFunc(ctx context.Context, r *http.Request) context.Context {
	return WithIdentity(ctx, clientIdentity(r))
}

func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
