// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docker/go-units"

	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/languages"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

// run spawns the language command for req in the session workspace and
// supervises it until completion, timeout, overflow, or caller cancel.
func (e *Engine) run(ctx context.Context, desc languages.Descriptor, sess *core.Session, req Request, timeout time.Duration) (*Result, error) {
	sourcePath, err := writeSource(sess.WorkspaceDir, desc.Extension, req.Code)
	if err != nil {
		return nil, crucerr.NewInternalError("writing source file", err)
	}
	defer removeFile(sourcePath)

	buildDir := sess.WorkspaceDir
	if base, ok := e.workspaces.BaseWorkspace(desc.ID); ok {
		buildDir = filepath.Join(base, "build")
	}
	if desc.Compiled {
		defer removeArtifacts(buildDir, sourcePath, desc.Extension)
	}

	inv := desc.BuildInvocation(sourcePath, buildDir)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newBoundedBuffer(e.cfg.OutputLimit)
	stderr := newBoundedBuffer(e.cfg.OutputLimit)

	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	cmd.Dir = sess.WorkspaceDir
	cmd.Env = append(os.Environ(), e.workspaces.EnvFor(desc.ID)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so the kill reaches compile pipelines and any
	// children the submitted code forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, crucerr.NewSpawnFailedError(fmt.Sprintf("starting %s runtime", desc.ID), err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	result := &Result{}
	select {
	case <-runCtx.Done():
		e.terminate(cmd, waitErr)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debugf("Execution in session %s timed out after %s", sess.ID, timeout)
		result.TimedOut = true
		result.ExitCode = timeoutExitCode

	case <-stdout.overflowed:
		e.kill(cmd, waitErr)

	case err := <-waitErr:
		// The run may finish in the same instant its output crossed the
		// cap; the post-wait check below decides.
		result.ExitCode = exitCode(err)
	}

	if stdout.Truncated() {
		return nil, crucerr.NewOutputOverflowError(
			fmt.Sprintf("stdout exceeded %s", units.BytesSize(float64(e.cfg.OutputLimit))))
	}

	result.WallTimeMs = time.Since(start).Milliseconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if stderr.Truncated() {
		result.Stderr += truncationMarker
	}
	if cmd.ProcessState != nil {
		result.PeakMemoryMiB = peakMemoryMiB(cmd.ProcessState)
	}
	return result, nil
}

// terminate asks the process group to exit and escalates to SIGKILL after
// the grace period.
func (e *Engine) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-waitErr:
	case <-time.After(e.cfg.GracePeriod):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-waitErr
	}
}

// kill stops the process group immediately, with no grace period.
func (e *Engine) kill(cmd *exec.Cmd, waitErr <-chan error) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	<-waitErr
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}

// peakMemoryMiB reads the child's max resident set from wait4 rusage.
// Maxrss is kilobytes on linux and bytes on darwin.
func peakMemoryMiB(state *os.ProcessState) int64 {
	rusage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return int64(rusage.Maxrss) / (1024 * 1024)
	}
	return int64(rusage.Maxrss) / 1024
}

const sourceTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func writeSource(dir, ext, code string) (string, error) {
	token := make([]byte, 6)
	for i := range token {
		token[i] = sourceTokenAlphabet[rand.IntN(len(sourceTokenAlphabet))]
	}
	name := fmt.Sprintf("code_%d_%s%s", time.Now().UnixMilli(), token, ext)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Debugf("Removing %s: %v", path, err)
	}
}

// removeArtifacts clears the compile outputs a pipeline run left in the
// shared build directory.
func removeArtifacts(buildDir, sourcePath, ext string) {
	base := strings.TrimSuffix(filepath.Base(sourcePath), ext)
	removeFile(filepath.Join(buildDir, base))
	removeFile(filepath.Join(buildDir, base+".class"))
	removeFile(filepath.Join(buildDir, base+".exe"))
}

// boundedBuffer captures at most limit bytes. Writes past the limit are
// dropped so the child never blocks on a full pipe; the first overflowing
// write closes the overflowed channel.
type boundedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	truncated  bool
	overflowed chan struct{}
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit, overflowed: make(chan struct{})}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) <= room {
		b.buf.Write(p)
		return len(p), nil
	}

	if room > 0 {
		b.buf.Write(p[:room])
	}
	if !b.truncated {
		b.truncated = true
		close(b.overflowed)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
