// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

// Provision finishes kind-specific setup for a freshly created session
// and transitions it to running. A provisioning failure moves the session
// to error and returns the cause.
func (m *Manager) Provision(ctx context.Context, id string) (*core.Session, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.StatusCreating {
		return nil, crucerr.NewInternalError(
			fmt.Sprintf("session %s is %s, expected creating", id, sess.Status), nil)
	}

	switch sess.Type {
	case core.SessionTypeVSCode:
		err = m.provisionVSCode(sess)
	case core.SessionTypePlaywright:
		err = m.provisionPlaywright(sess)
	default:
		// Execution sessions need nothing beyond the workspace made at
		// create time.
	}
	if err != nil {
		sess.Status = core.StatusError
		if putErr := m.store.Put(ctx, sess); putErr != nil {
			logger.Warnf("Recording provisioning failure for session %s: %v", id, putErr)
		}
		return nil, err
	}

	sess.Status = core.StatusRunning
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, crucerr.NewInternalError("persisting session", err)
	}
	return sess, nil
}

// provisionVSCode allocates a port and spawns the web IDE helper. A
// missing or failing helper degrades the session to workspace-only
// rather than failing it.
func (m *Manager) provisionVSCode(sess *core.Session) error {
	if m.cfg.VSCodeCommand == "" {
		logger.Infof("No web IDE helper configured; session %s is workspace-only", sess.ID)
		return nil
	}

	port, err := m.ports.Acquire()
	if err != nil {
		return crucerr.NewInternalError("allocating a port for the web IDE", err)
	}

	helper, err := spawnHelperProcess(m.cfg.VSCodeCommand, sess.WorkspaceDir, port)
	if err != nil {
		m.ports.Release(port)
		m.metrics.ContainerOperationsTotal.WithLabelValues("spawn", "error").Inc()
		logger.Warnf("Web IDE helper failed for session %s, continuing workspace-only: %v", sess.ID, err)
		return nil
	}
	m.metrics.ContainerOperationsTotal.WithLabelValues("spawn", "ok").Inc()

	m.helpersMu.Lock()
	m.helpers[sess.ID] = helper
	m.helpersMu.Unlock()

	sess.BoundPort = port
	sess.ProcessID = helper.PID()
	sess.Endpoints = map[string]string{
		"url": fmt.Sprintf("http://%s:%d", m.cfg.VSCodeHost, port),
	}
	logger.Infof("Web IDE for session %s listening on port %d", sess.ID, port)
	return nil
}

// provisionPlaywright records the automation endpoints and kicks off the
// best-effort driver install in the background.
func (m *Manager) provisionPlaywright(sess *core.Session) error {
	sess.Endpoints = map[string]string{
		"contextId":   sess.ID,
		"initialPage": "about:blank",
	}

	go m.installPlaywrightDriver(sess.ID, sess.WorkspaceDir)
	return nil
}

func (m *Manager) installPlaywrightDriver(sessionID, dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), driverInstallTimeout)
	defer cancel()

	if err := m.installDriver(ctx, dir); err != nil {
		m.metrics.ContainerOperationsTotal.WithLabelValues("driver_install", "error").Inc()
		logger.Warnf("Playwright driver install for session %s: %v", sessionID, err)
		return
	}
	m.metrics.ContainerOperationsTotal.WithLabelValues("driver_install", "ok").Inc()
	logger.Debugf("Playwright driver ready for session %s", sessionID)
}
