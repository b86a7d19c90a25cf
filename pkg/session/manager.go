// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the session lifecycle: creation with per-owner
// caps, the status machine, endpoint bookkeeping, kind-specific
// provisioning, and idle cleanup. All session mutations go through the
// Manager so the store only ever sees legal records.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/crucible-mcp/crucible/pkg/core"
	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/languages"
	"github.com/crucible-mcp/crucible/pkg/logger"
	"github.com/crucible-mcp/crucible/pkg/networking"
	"github.com/crucible-mcp/crucible/pkg/store"
	"github.com/crucible-mcp/crucible/pkg/telemetry"
	"github.com/crucible-mcp/crucible/pkg/workspace"
)

const (
	// DefaultMaxPerClient caps live sessions per owner.
	DefaultMaxPerClient = 10
	// DefaultSessionTTL ages out sessions by last access.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultVSCodeHost is the hostname used in endpoint URLs.
	DefaultVSCodeHost = "localhost"

	helperStopGrace      = 5 * time.Second
	driverInstallTimeout = 5 * time.Minute

	lockStripes = 64
)

// Config tunes the manager. Zero values fall back to the defaults above.
type Config struct {
	MaxPerClient int
	SessionTTL   time.Duration
	// VSCodeCommand is the helper program serving workspaces over HTTP;
	// workspace path, bind host and port are appended as arguments. Empty
	// leaves web-IDE sessions workspace-only.
	VSCodeCommand string
	// VSCodeHost is the hostname placed in endpoint URLs handed to callers.
	VSCodeHost string
	// DriverInstall overrides how browser driver packages are installed
	// into playwright workspaces. Nil installs via npm.
	DriverInstall func(ctx context.Context, dir string) error
}

func (c Config) withDefaults() Config {
	if c.MaxPerClient <= 0 {
		c.MaxPerClient = DefaultMaxPerClient
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.VSCodeHost == "" {
		c.VSCodeHost = DefaultVSCodeHost
	}
	return c
}

// Manager creates, mutates and destroys sessions. Safe for concurrent use.
type Manager struct {
	cfg        Config
	store      *store.Store
	workspaces *workspace.Provisioner
	ports      *networking.PortPool
	metrics    *telemetry.Metrics

	// stripes serialize read-modify-write cycles per session id (and per
	// owner for the create cap check).
	stripes [lockStripes]sync.Mutex

	helpersMu sync.Mutex
	helpers   map[string]*helperProcess

	installDriver func(ctx context.Context, dir string) error
	now           func() time.Time
}

// New builds a manager. A nil port pool or metrics set falls back to
// process-wide instances.
func New(cfg Config, st *store.Store, workspaces *workspace.Provisioner, ports *networking.PortPool, metrics *telemetry.Metrics) *Manager {
	cfg = cfg.withDefaults()
	if ports == nil {
		ports = networking.NewDefaultPortPool()
	}
	if metrics == nil {
		metrics = telemetry.Get()
	}
	installDriver := cfg.DriverInstall
	if installDriver == nil {
		installDriver = npmInstallDriver
	}
	return &Manager{
		cfg:           cfg,
		store:         st,
		workspaces:    workspaces,
		ports:         ports,
		metrics:       metrics,
		helpers:       make(map[string]*helperProcess),
		installDriver: installDriver,
		now:           time.Now,
	}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.stripes[h.Sum32()%lockStripes]
}

// CreateOptions carries everything a new session may specify. Kind
// specific fields are ignored for other kinds.
type CreateOptions struct {
	Type     core.SessionType
	Owner    string
	Language string
	Memory   string
	// Template selects the vscode project template.
	Template string
	// Browser, Headless and Viewport configure playwright sessions.
	Browser  string
	Headless *bool
	Viewport *core.Viewport
}

var vscodeTemplates = map[string]bool{
	"basic": true, "web": true, "api": true,
	"data-science": true, "machine-learning": true,
}

var memoryBudgets = map[core.SessionType]map[string]bool{
	core.SessionTypeVSCode:     {"1g": true, "2g": true, "4g": true, "8g": true},
	core.SessionTypePlaywright: {"2g": true, "4g": true, "8g": true},
}

func (o CreateOptions) normalize() (CreateOptions, error) {
	if !core.ValidSessionType(o.Type) {
		return o, crucerr.NewBadRequestError(fmt.Sprintf("unknown session type %q", o.Type), nil)
	}
	if o.Owner == "" {
		return o, crucerr.NewBadRequestError("session owner is required", nil)
	}
	if o.Language != "" {
		if _, ok := languages.Lookup(o.Language); !ok {
			return o, crucerr.NewUnsupportedError(fmt.Sprintf("unsupported language %q", o.Language))
		}
	}

	memory, err := normalizeMemory(o.Type, o.Memory)
	if err != nil {
		return o, err
	}
	o.Memory = memory

	switch o.Type {
	case core.SessionTypeVSCode:
		if o.Template == "" {
			o.Template = "basic"
		}
		if !vscodeTemplates[o.Template] {
			return o, crucerr.NewBadRequestError(fmt.Sprintf("unknown template %q", o.Template), nil)
		}
	case core.SessionTypePlaywright:
		if o.Browser == "" {
			o.Browser = "chromium"
		}
		if o.Browser != "chromium" && o.Browser != "firefox" && o.Browser != "webkit" {
			return o, crucerr.NewBadRequestError(fmt.Sprintf("unknown browser %q", o.Browser), nil)
		}
		if o.Headless == nil {
			headless := true
			o.Headless = &headless
		}
		if o.Viewport == nil {
			o.Viewport = &core.Viewport{Width: 1920, Height: 1080}
		}
		if o.Viewport.Width < 320 || o.Viewport.Width > 3840 ||
			o.Viewport.Height < 240 || o.Viewport.Height > 2160 {
			return o, crucerr.NewBadRequestError(
				fmt.Sprintf("viewport %dx%d is outside 320-3840 x 240-2160",
					o.Viewport.Width, o.Viewport.Height), nil)
		}
	}
	return o, nil
}

func normalizeMemory(t core.SessionType, label string) (string, error) {
	allowed := memoryBudgets[t]
	if label == "" {
		if allowed != nil {
			return "2g", nil
		}
		return "", nil
	}
	if _, err := units.RAMInBytes(label); err != nil {
		return "", crucerr.NewBadRequestError(fmt.Sprintf("invalid memory label %q", label), err)
	}
	if allowed != nil && !allowed[label] {
		return "", crucerr.NewBadRequestError(
			fmt.Sprintf("memory %q is not allowed for %s sessions", label, t), nil)
	}
	return label, nil
}

// Create allocates a session in status creating and persists it. It does
// not start helper processes; Provision does.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*core.Session, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	ownerLock := m.lockFor("owner/" + opts.Owner)
	ownerLock.Lock()
	defer ownerLock.Unlock()

	live, err := m.liveCount(ctx, opts.Owner)
	if err != nil {
		return nil, err
	}
	if live >= m.cfg.MaxPerClient {
		return nil, crucerr.NewRateLimitedError(
			fmt.Sprintf("session limit reached: %d live sessions per client", m.cfg.MaxPerClient))
	}

	id := uuid.NewString()
	dir, err := m.workspaces.SessionWorkspace(id)
	if err != nil {
		return nil, crucerr.NewInternalError("creating session workspace", err)
	}

	now := m.now()
	sess := &core.Session{
		ID:             id,
		Type:           opts.Type,
		Language:       opts.Language,
		Status:         core.StatusCreating,
		MemoryBudget:   opts.Memory,
		WorkspaceDir:   dir,
		Template:       opts.Template,
		OwnerClientID:  opts.Owner,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if opts.Type == core.SessionTypePlaywright {
		sess.Browser = opts.Browser
		sess.Headless = *opts.Headless
		sess.Viewport = opts.Viewport
	}

	if err := m.store.Put(ctx, sess); err != nil {
		m.workspaces.DestroySessionWorkspace(id)
		return nil, crucerr.NewInternalError("persisting session", err)
	}

	m.metrics.SessionOperationsTotal.WithLabelValues("create", string(opts.Type)).Inc()
	m.metrics.ActiveSessions.WithLabelValues(string(opts.Type)).Inc()
	logger.Infof("Created %s session %s for client %s", opts.Type, id, opts.Owner)
	return sess, nil
}

func (m *Manager) liveCount(ctx context.Context, owner string) (int, error) {
	sessions, err := m.store.ListByOwner(ctx, owner)
	if err != nil {
		return 0, crucerr.NewInternalError("listing sessions", err)
	}
	live := 0
	for _, s := range sessions {
		if !s.Status.Terminal() {
			live++
		}
	}
	return live, nil
}

// Get returns the session or a typed not-found error.
func (m *Manager) Get(ctx context.Context, id string) (*core.Session, error) {
	if id == "" {
		return nil, crucerr.NewBadRequestError("session id is required", nil)
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, crucerr.NewNotFoundError(fmt.Sprintf("session %s not found", id), nil)
		}
		return nil, crucerr.NewInternalError("loading session", err)
	}
	return sess, nil
}

// List returns the owner's sessions, or every session when owner is empty.
func (m *Manager) List(ctx context.Context, owner string) ([]*core.Session, error) {
	var (
		sessions []*core.Session
		err      error
	)
	if owner == "" {
		sessions, err = m.store.ListAll(ctx)
	} else {
		sessions, err = m.store.ListByOwner(ctx, owner)
	}
	if err != nil {
		return nil, crucerr.NewInternalError("listing sessions", err)
	}
	return sessions, nil
}

// UpdateStatus applies a status-machine transition and persists it.
func (m *Manager) UpdateStatus(ctx context.Context, id string, next core.SessionStatus) (*core.Session, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.CanTransitionTo(next) {
		return nil, crucerr.NewInternalError(
			fmt.Sprintf("illegal status transition %s -> %s for session %s", sess.Status, next, id), nil)
	}

	sess.Status = next
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, crucerr.NewInternalError("persisting session", err)
	}
	return sess, nil
}

// SetEndpoints replaces the session's endpoint map. Endpoints are only
// mutable while the session is creating or running.
func (m *Manager) SetEndpoints(ctx context.Context, id string, endpoints map[string]string) (*core.Session, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, crucerr.NewInternalError(
			fmt.Sprintf("session %s is %s; endpoints are immutable", id, sess.Status), nil)
	}

	sess.Endpoints = maps.Clone(endpoints)
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, crucerr.NewInternalError("persisting session", err)
	}
	return sess, nil
}

// Touch bumps LastAccessedAt monotonically.
func (m *Manager) Touch(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	now := m.now()
	if !now.After(sess.LastAccessedAt) {
		return nil
	}
	sess.LastAccessedAt = now
	if err := m.store.Put(ctx, sess); err != nil {
		return crucerr.NewInternalError("persisting session", err)
	}
	return nil
}

// Destroy stops the session's helper process if any, releases its port,
// removes its workspace and deletes the record. Destroying an unknown id
// is a successful no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return crucerr.NewBadRequestError("session id is required", nil)
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return crucerr.NewInternalError("loading session", err)
	}

	m.stopHelper(id)
	if sess.BoundPort != 0 {
		m.ports.Release(sess.BoundPort)
	}
	m.workspaces.DestroySessionWorkspace(id)

	if err := m.store.Delete(ctx, id); err != nil {
		return crucerr.NewInternalError("deleting session", err)
	}

	m.metrics.SessionOperationsTotal.WithLabelValues("destroy", string(sess.Type)).Inc()
	m.metrics.ActiveSessions.WithLabelValues(string(sess.Type)).Dec()
	logger.Infof("Destroyed session %s", id)
	return nil
}

// CleanupExpired destroys sessions idle past the TTL, plus any terminal
// records left behind. Returns how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	sessions, err := m.store.ListAll(ctx)
	if err != nil {
		logger.Warnf("Listing sessions for cleanup: %v", err)
		return 0
	}

	now := m.now()
	removed := 0
	for _, sess := range sessions {
		if !sess.Status.Terminal() && sess.IdleFor(now) <= m.cfg.SessionTTL {
			continue
		}
		if err := m.Destroy(ctx, sess.ID); err != nil {
			logger.Warnf("Cleaning up session %s: %v", sess.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Infof("Cleaned up %d expired sessions", removed)
	}
	return removed
}

// Shutdown stops every tracked helper process. Session records stay in
// the store; the cleanup sweep reaps them on the next start.
func (m *Manager) Shutdown() {
	m.helpersMu.Lock()
	helpers := make(map[string]*helperProcess, len(m.helpers))
	maps.Copy(helpers, m.helpers)
	m.helpers = make(map[string]*helperProcess)
	m.helpersMu.Unlock()

	for id, h := range helpers {
		logger.Debugf("Stopping helper for session %s", id)
		h.Stop(helperStopGrace)
	}
}

func (m *Manager) stopHelper(id string) {
	m.helpersMu.Lock()
	h, ok := m.helpers[id]
	delete(m.helpers, id)
	m.helpersMu.Unlock()

	if !ok {
		return
	}
	h.Stop(helperStopGrace)
	m.metrics.ContainerOperationsTotal.WithLabelValues("stop", "ok").Inc()
}
