// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-mcp/crucible/pkg/admission"
	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/telemetry"
)

type stubDirectory struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
	touched  []string
}

func (d *stubDirectory) Get(_ context.Context, id string) (*core.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[id]
	if !ok {
		return nil, crucerr.NewNotFoundError("session "+id+" not found", nil)
	}
	return sess.Clone(), nil
}

func (d *stubDirectory) Touch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = append(d.touched, id)
	return nil
}

type stubWorkspaces struct {
	base string
	env  []string
}

func (w stubWorkspaces) BaseWorkspace(string) (string, bool) { return w.base, w.base != "" }
func (w stubWorkspaces) EnvFor(string) []string              { return w.env }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *stubDirectory) {
	t.Helper()

	dir := &stubDirectory{sessions: map[string]*core.Session{
		"sess-1": {
			ID:           "sess-1",
			Type:         core.SessionTypeExecution,
			Status:       core.StatusRunning,
			WorkspaceDir: t.TempDir(),
		},
	}}

	breakers := admission.NewRegistry(admission.DefaultBreakerConfig())
	metrics := telemetry.NewForTesting(prometheus.NewRegistry())
	return New(cfg, dir, stubWorkspaces{}, breakers, metrics), dir
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

func TestExecuteCapturesStdout(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, dir := newTestEngine(t, Config{})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      `print("hello from crucible")`,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello from crucible\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.WallTimeMs, int64(0))
	assert.Equal(t, []string{"sess-1"}, dir.touched)
}

func TestExecuteReportsNonzeroExit(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "import sys\nsys.exit(3)",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecutePassesStdin(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "print(input())",
		Stdin:     "ping\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "ping\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecuteCapturesStderr(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "import sys\nprint(\"oops\", file=sys.stderr)\nsys.exit(1)",
	})
	require.NoError(t, err)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 1, res.ExitCode)
}

func TestExecuteTimeoutExitsOneTwentyFour(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{GracePeriod: 2 * time.Second})
	start := time.Now()
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "print(\"before\", flush=True)\nimport time\ntime.sleep(30)",
		TimeoutMs: 1000,
	})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
	assert.Equal(t, "before\n", res.Stdout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteStdoutOverflowAbortsRun(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{OutputLimit: 1024})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      `print("x" * 100000)`,
	})
	assert.Nil(t, res)
	assert.True(t, crucerr.IsOutputOverflow(err), "got %v", err)
}

func TestExecuteStderrTruncatedWithMarker(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{OutputLimit: 1024})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "import sys\nsys.stderr.write(\"e\" * 100000)\n",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(res.Stderr, truncationMarker))
	assert.LessOrEqual(t, len(res.Stderr), 1024+len(truncationMarker))
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecuteReportsPeakMemory(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{})
	res, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      `print("ok")`,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.PeakMemoryMiB, int64(1))
}

func TestExecuteCancelTerminatesRun(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, _ := newTestEngine(t, Config{GracePeriod: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := eng.Execute(ctx, Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "import time\ntime.sleep(30)",
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteRejectsUnknownLanguage(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, Config{})
	_, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "cobol",
		Code:      "DISPLAY 'HI'",
	})
	assert.True(t, crucerr.IsUnsupported(err), "got %v", err)
}

func TestExecuteRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, Config{})
	_, err := eng.Execute(context.Background(), Request{
		SessionID: "nope",
		Language:  "python",
		Code:      "print(1)",
	})
	assert.True(t, crucerr.IsNotFound(err), "got %v", err)
}

func TestExecuteRejectsTerminalSession(t *testing.T) {
	t.Parallel()

	eng, dir := newTestEngine(t, Config{})
	dir.sessions["sess-1"].Status = core.StatusStopped

	_, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "print(1)",
	})
	assert.True(t, crucerr.IsNotFound(err), "got %v", err)
}

func TestExecuteValidatesTimeout(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, Config{})
	for _, ms := range []int{100, -5, 400000} {
		_, err := eng.Execute(context.Background(), Request{
			SessionID: "sess-1",
			Language:  "python",
			Code:      "print(1)",
			TimeoutMs: ms,
		})
		assert.True(t, crucerr.IsBadRequest(err), "timeoutMs=%d got %v", ms, err)
	}
}

func TestExecuteQueueTimeout(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, Config{MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond})
	require.NoError(t, eng.slots.Acquire(context.Background(), 1))
	defer eng.slots.Release(1)

	_, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "print(1)",
	})
	assert.True(t, crucerr.IsQueueTimeout(err), "got %v", err)
}

func TestExecuteSpawnFailureTripsRuntimeBreaker(t *testing.T) {
	t.Parallel()

	dir := &stubDirectory{sessions: map[string]*core.Session{
		"sess-1": {
			ID:           "sess-1",
			Type:         core.SessionTypeExecution,
			Status:       core.StatusRunning,
			WorkspaceDir: "/nonexistent/workspace/path",
		},
	}}
	breakers := admission.NewRegistry(admission.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	eng := New(Config{}, dir, stubWorkspaces{}, breakers, telemetry.NewForTesting(prometheus.NewRegistry()))

	_, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "print(1)",
	})
	assert.True(t, crucerr.IsSpawnFailed(err), "got %v", err)

	_, err = eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      "print(1)",
	})
	assert.True(t, crucerr.IsCircuitOpen(err), "got %v", err)
}

func TestExecuteCleansUpSourceFile(t *testing.T) {
	t.Parallel()
	requirePython(t)

	eng, dir := newTestEngine(t, Config{})
	workspace := dir.sessions["sess-1"].WorkspaceDir

	_, err := eng.Execute(context.Background(), Request{
		SessionID: "sess-1",
		Language:  "python",
		Code:      `print("ok")`,
	})
	require.NoError(t, err)

	entries, err := filepath.Glob(filepath.Join(workspace, "code_*"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
