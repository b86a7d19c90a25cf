// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crucible-mcp/crucible/pkg/admission"
	"github.com/crucible-mcp/crucible/pkg/config"
	"github.com/crucible-mcp/crucible/pkg/executor"
	"github.com/crucible-mcp/crucible/pkg/health"
	"github.com/crucible-mcp/crucible/pkg/logger"
	"github.com/crucible-mcp/crucible/pkg/mcptools"
	"github.com/crucible-mcp/crucible/pkg/networking"
	"github.com/crucible-mcp/crucible/pkg/policy"
	"github.com/crucible-mcp/crucible/pkg/session"
	"github.com/crucible-mcp/crucible/pkg/store"
	"github.com/crucible-mcp/crucible/pkg/telemetry"
	"github.com/crucible-mcp/crucible/pkg/versions"
	"github.com/crucible-mcp/crucible/pkg/workspace"
)

const (
	// DefaultPort is the default port for the streamable HTTP transport.
	DefaultPort = "8092"

	readHeaderTimeout = 10 * time.Second // Prevent Slowloris attacks
	shutdownTimeout   = 10 * time.Second
	samplerInterval   = 15 * time.Second

	// socketPermissions lets other local processes connect.
	socketPermissions = 0o660
)

// newServeCommand creates the 'serve' subcommand.
func newServeCommand() *cobra.Command {
	// Check for MCP_PORT environment variable
	defaultPort := DefaultPort
	if envPort := os.Getenv("MCP_PORT"); envPort != "" {
		defaultPort = envPort
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the crucible MCP server",
		Long: `Start the MCP (Model Context Protocol) server that brokers code execution for remote clients.
The server provides tools to execute code snippets, create VS Code and Playwright sessions,
manage session lifecycles, and inspect system health.

By default the server speaks MCP over stdio. With --transport streamable-http it listens on
host:port (or a UNIX socket via --socket-path) and additionally exposes /health and /metrics.
The port can be configured via the --port flag or the MCP_PORT environment variable.`,
		RunE: serveCmdFunc,
	}

	cmd.Flags().String("transport", "stdio", "Transport to serve MCP on (stdio or streamable-http)")
	cmd.Flags().String("host", "127.0.0.1", "Host to listen on for streamable-http")
	cmd.Flags().String("port", defaultPort, "Port to listen on (can also be set via MCP_PORT env var)")
	cmd.Flags().String("socket-path", "", "Serve streamable-http on a UNIX socket instead of TCP")

	for _, name := range []string{"transport", "host", "port", "socket-path"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	return cmd
}

// serveCmdFunc assembles the broker and serves MCP on the selected transport.
func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	versionInfo := versions.GetVersionInfo()
	logger.Infof("Starting crucible %s (%s)", versionInfo.Version, versionInfo.Platform)

	metrics := telemetry.Get()
	metrics.StartSampler(ctx, samplerInterval)

	breakers := admission.NewRegistry(admission.DefaultBreakerConfig())

	// The durable tier is optional: a missing or unreachable Redis leaves
	// the store in fallback mode rather than failing startup.
	var durable store.Tier
	if cfg.Redis.Enabled() {
		tier, err := store.NewRedisTier(ctx, store.RedisConfig{
			Addr:       cfg.Redis.Addr(),
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			SessionTTL: cfg.SessionTimeout,
		})
		if err != nil {
			logger.Warnf("Durable session store unavailable, continuing in fallback mode: %v", err)
		} else {
			logger.Infof("Durable session store connected at %s", cfg.Redis.Addr())
			durable = tier
		}
	}
	st := store.New(durable, breakers.Get("metadata-store"), store.Config{})

	workspaces := workspace.New(workspace.Config{
		SessionsRoot:       cfg.SessionsRoot(),
		VenvsRoot:          cfg.VenvsRoot(),
		InstallConcurrency: cfg.InstallConcurrency,
	})
	if err := workspaces.EnsureBaseWorkspaces(ctx); err != nil {
		return fmt.Errorf("failed to prepare workspace roots: %w", err)
	}

	ports := networking.NewDefaultPortPool()

	sessions := session.New(session.Config{
		MaxPerClient:  cfg.MaxSessionsPerClient,
		SessionTTL:    cfg.SessionTimeout,
		VSCodeCommand: cfg.VSCode.HelperCommand,
		VSCodeHost:    cfg.VSCode.Host,
	}, st, workspaces, ports, metrics)
	defer sessions.Shutdown()

	engine := executor.New(executor.Config{
		MaxConcurrent: cfg.MaxConcurrentExecutions,
		QueueTimeout:  cfg.QueueTimeout,
	}, sessions, workspaces, breakers, metrics)

	screener := policy.New()
	if cfg.PolicyPatternsFile != "" {
		screener, err = policy.NewFromFile(cfg.PolicyPatternsFile)
		if err != nil {
			return fmt.Errorf("failed to load policy patterns from %s: %w", cfg.PolicyPatternsFile, err)
		}
	}

	limiter := admission.NewLimiter(admission.LimiterConfig{
		Points:        cfg.RateLimit.Points,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.Block,
	})

	checker := health.NewChecker(st, workspaces, sessions, breakers, ports, versionInfo.Version)

	handler := mcptools.NewHandler(sessions, engine, screener, limiter, checker, metrics)
	srv := mcptools.NewServer(handler)

	go runCleanupLoop(ctx, cfg, sessions, workspaces)

	switch transport := viper.GetString("transport"); transport {
	case "stdio":
		logger.Info("Serving MCP over stdio")
		return srv.ServeStdio()
	case "streamable-http":
		return serveStreamableHTTP(ctx, cancel, cfg, srv, checker, metrics)
	default:
		return fmt.Errorf("unknown transport %q (expected stdio or streamable-http)", transport)
	}
}

// runCleanupLoop periodically destroys sessions idle past their TTL and
// removes workspace directories no session record claims.
func runCleanupLoop(ctx context.Context, cfg *config.Config, sessions *session.Manager, workspaces *workspace.Provisioner) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.CleanupExpired(ctx); n > 0 {
				logger.Infof("Cleanup pass destroyed %d expired sessions", n)
			}
			if n := workspaces.SweepStale(cfg.WorkspaceSweepAge); n > 0 {
				logger.Infof("Cleanup pass removed %d orphaned workspace directories", n)
			}
		}
	}
}

// serveStreamableHTTP serves MCP at /mcp alongside the /health and /metrics
// operational endpoints, then shuts down gracefully on signal.
func serveStreamableHTTP(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *config.Config,
	srv *mcptools.Server,
	checker *health.Checker,
	metrics *telemetry.Metrics,
) error {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		requestMetrics(metrics),
	)
	r.Get("/health", healthHandler(checker))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Handle("/mcp", sharedKeyMiddleware(cfg.SharedKey)(srv.StreamableHTTP()))

	httpServer := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	socketPath := viper.GetString("socket-path")
	addr := net.JoinHostPort(viper.GetString("host"), viper.GetString("port"))

	var listener net.Listener
	var err error
	if socketPath != "" {
		listener, err = setupUnixSocket(socketPath)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	go func() {
		if socketPath != "" {
			logger.Infof("Starting crucible MCP server on UNIX socket %s", socketPath)
		} else {
			logger.Infof("Starting crucible MCP server on http://%s/mcp", addr)
		}
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("MCP server error: %v", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutting down MCP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = httpServer.Shutdown(shutdownCtx)
	if socketPath != "" {
		cleanupUnixSocket(socketPath)
	}
	return err
}

// healthHandler serves the summary health document as JSON. Unhealthy maps
// to 503 so load balancers can act on it.
func healthHandler(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := checker.Status(r.Context(), false)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Errorf("Failed to encode health report: %v", err)
		}
	}
}

// sharedKeyMiddleware requires Authorization: Bearer <key> when a shared key
// is configured. The comparison is constant time.
func sharedKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(key)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestMetrics counts requests by method, path and status and tracks how
// many are in flight. The wrapped writer keeps http.Flusher intact for the
// streaming MCP endpoint.
func requestMetrics(metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			metrics.HTTPRequestsTotal.WithLabelValues(
				r.Method, r.URL.Path, strconv.Itoa(ww.Status()),
			).Inc()
		})
	}
}

// setupUnixSocket creates a UNIX socket listener, replacing any stale socket
// file from a previous run.
func setupUnixSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create UNIX socket listener: %w", err)
	}

	if err := os.Chmod(path, socketPermissions); err != nil {
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return listener, nil
}

func cleanupUnixSocket(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to remove socket file: %v", err)
	}
}
