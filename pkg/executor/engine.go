// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs submitted code inside session workspaces. It owns
// admission to the run slots, per-session serialization, subprocess
// lifecycle including the two-phase kill, and bounded output capture.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/semaphore"

	"github.com/crucible-mcp/crucible/pkg/admission"
	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/languages"
	"github.com/crucible-mcp/crucible/pkg/logger"
	"github.com/crucible-mcp/crucible/pkg/telemetry"
)

// Defaults for the engine knobs. Timeouts are request-facing contract
// values; the rest bound resource use on the host.
const (
	DefaultMaxConcurrent = 10
	DefaultQueueTimeout  = 60 * time.Second
	DefaultRunTimeout    = 30 * time.Second
	MinRunTimeout        = time.Second
	MaxRunTimeout        = 300 * time.Second
	DefaultGracePeriod   = 5 * time.Second
	DefaultOutputLimit   = 10 * units.MiB

	timeoutExitCode  = 124
	truncationMarker = "\n... [output truncated]"
)

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	MaxConcurrent int
	QueueTimeout  time.Duration
	RunTimeout    time.Duration
	GracePeriod   time.Duration
	OutputLimit   int64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = DefaultOutputLimit
	}
	return c
}

// Request is one code execution against a live session.
type Request struct {
	SessionID string
	Language  string
	Code      string
	Stdin     string
	// TimeoutMs bounds the run; zero means the engine default.
	TimeoutMs int
}

// Result is the outcome of a run that produced output, including runs
// that timed out or exited nonzero.
type Result struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	WallTimeMs    int64  `json:"wall_time_ms"`
	PeakMemoryMiB int64  `json:"peak_memory_mib,omitempty"`
	TimedOut      bool   `json:"timed_out,omitempty"`
}

// SessionDirectory is the slice of the session manager the engine needs.
type SessionDirectory interface {
	Get(ctx context.Context, id string) (*core.Session, error)
	Touch(ctx context.Context, id string) error
}

// WorkspaceEnv resolves per-language base workspaces and environments.
type WorkspaceEnv interface {
	BaseWorkspace(language string) (string, bool)
	EnvFor(language string) []string
}

// Engine executes code with bounded concurrency. One Engine serves the
// whole process.
type Engine struct {
	cfg        Config
	sessions   SessionDirectory
	workspaces WorkspaceEnv
	breakers   *admission.Registry
	metrics    *telemetry.Metrics
	slots      *semaphore.Weighted
	inFlight   *sessionLocks
}

// New builds an engine. A nil breakers registry or metrics set falls back
// to process-wide instances.
func New(cfg Config, sessions SessionDirectory, workspaces WorkspaceEnv, breakers *admission.Registry, metrics *telemetry.Metrics) *Engine {
	cfg = cfg.withDefaults()
	if breakers == nil {
		breakers = admission.NewRegistry(admission.DefaultBreakerConfig())
	}
	if metrics == nil {
		metrics = telemetry.Get()
	}
	return &Engine{
		cfg:        cfg,
		sessions:   sessions,
		workspaces: workspaces,
		breakers:   breakers,
		metrics:    metrics,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inFlight:   newSessionLocks(),
	}
}

// Execute runs req.Code in the session's workspace and returns the
// captured result. Runs that time out or exit nonzero still return a
// Result; only admission, spawn, and overflow failures return errors.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout, err := e.runTimeout(req.TimeoutMs)
	if err != nil {
		return nil, err
	}

	desc, ok := languages.Lookup(req.Language)
	if !ok {
		return nil, crucerr.NewUnsupportedError(fmt.Sprintf("unsupported language %q", req.Language))
	}

	sess, err := e.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, crucerr.NewNotFoundError(fmt.Sprintf("session %s is no longer live", sess.ID), nil)
	}
	if sess.WorkspaceDir == "" {
		return nil, crucerr.NewInternalError(fmt.Sprintf("session %s has no workspace", sess.ID), nil)
	}

	release, err := e.admit(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.sessions.Touch(ctx, sess.ID); err != nil {
		logger.Debugf("Touching session %s: %v", sess.ID, err)
	}

	breaker := e.breakers.Get("runtime:" + desc.ID)
	if !breaker.CanAttempt() {
		e.metrics.ExecutionsTotal.WithLabelValues(desc.ID, "rejected").Inc()
		return nil, crucerr.NewCircuitOpenError(fmt.Sprintf("%s runtime is unavailable", desc.ID))
	}

	res, err := e.run(ctx, desc, sess, req, timeout)
	if err != nil && crucerr.IsSpawnFailed(err) {
		breaker.RecordFailure(err)
	} else {
		breaker.RecordSuccess()
	}

	e.observe(desc.ID, res, err)
	return res, err
}

// admit serializes runs per session and then takes a run slot. Both waits
// share one queue-timeout budget.
func (e *Engine) admit(ctx context.Context, sessionID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	defer cancel()

	e.metrics.QueueDepth.Inc()
	err := e.inFlight.lock(waitCtx, sessionID)
	if err == nil {
		if err = e.slots.Acquire(waitCtx, 1); err != nil {
			e.inFlight.unlock(sessionID)
		}
	}
	e.metrics.QueueDepth.Dec()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, crucerr.NewQueueTimeoutError(
			fmt.Sprintf("no run slot became available within %s", e.cfg.QueueTimeout))
	}

	e.metrics.ExecutionsInFlight.Inc()
	return func() {
		e.slots.Release(1)
		e.inFlight.unlock(sessionID)
		e.metrics.ExecutionsInFlight.Dec()
	}, nil
}

func (e *Engine) runTimeout(ms int) (time.Duration, error) {
	if ms == 0 {
		return e.cfg.RunTimeout, nil
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinRunTimeout || d > MaxRunTimeout {
		return 0, crucerr.NewBadRequestError(
			fmt.Sprintf("timeoutMs must be between %d and %d",
				MinRunTimeout.Milliseconds(), MaxRunTimeout.Milliseconds()), nil)
	}
	return d, nil
}

func (e *Engine) observe(language string, res *Result, err error) {
	outcome := "ok"
	switch {
	case crucerr.IsOutputOverflow(err):
		outcome = "overflow"
	case err != nil:
		outcome = "error"
	case res.TimedOut:
		outcome = "timeout"
	case res.ExitCode != 0:
		outcome = "nonzero_exit"
	}
	e.metrics.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	if res != nil {
		e.metrics.ExecutionDuration.WithLabelValues(language).Observe(float64(res.WallTimeMs))
	}
}
