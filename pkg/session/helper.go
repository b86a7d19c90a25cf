// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// helperProcess supervises one long-running session helper (the web IDE
// server). Helpers run in their own process group so Stop reaches any
// children they fork.
type helperProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// spawnHelperProcess starts command with the workspace path, bind host
// and port appended as arguments.
func spawnHelperProcess(command, workspaceDir string, port int) (*helperProcess, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("helper command is empty")
	}
	args := append(parts[1:], workspaceDir, "0.0.0.0", strconv.Itoa(port))

	cmd := exec.Command(parts[0], args...)
	cmd.Dir = workspaceDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &helperProcess{cmd: cmd, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()
	return h, nil
}

// PID returns the helper's process id.
func (h *helperProcess) PID() int {
	return h.cmd.Process.Pid
}

// Stop asks the helper's process group to exit and escalates to SIGKILL
// after the grace period.
func (h *helperProcess) Stop(grace time.Duration) {
	pgid := -h.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-h.done:
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-h.done
	}
}

// npmInstallDriver is the default playwright driver install: npm inside
// the session workspace, bounded by the caller's context.
func npmInstallDriver(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "npm", "install", "--no-audit", "--no-fund", "playwright")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install playwright: %w: %s", err, firstLine(out))
	}
	return nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
