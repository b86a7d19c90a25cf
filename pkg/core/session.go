// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package core contains the domain records shared across crucible's
// packages. Keeping them here lets the metadata store and the session
// manager depend on the same types without importing each other.
package core

import (
	"time"
)

// SessionType identifies what a session is for.
type SessionType string

const (
	// SessionTypeExecution is a workspace-only session reused across
	// execute_code calls.
	SessionTypeExecution SessionType = "execution"
	// SessionTypeVSCode is a session backed by a web IDE helper process.
	SessionTypeVSCode SessionType = "vscode"
	// SessionTypePlaywright is a session prepared for browser automation.
	SessionTypePlaywright SessionType = "playwright"
)

// ValidSessionType reports whether t is a known session type.
func ValidSessionType(t SessionType) bool {
	switch t {
	case SessionTypeExecution, SessionTypeVSCode, SessionTypePlaywright:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// StatusCreating is the initial state while resources are provisioned.
	StatusCreating SessionStatus = "creating"
	// StatusRunning means the session is usable.
	StatusRunning SessionStatus = "running"
	// StatusStopped is the terminal state after destroy or cleanup.
	StatusStopped SessionStatus = "stopped"
	// StatusError is the terminal state after failed provisioning.
	StatusError SessionStatus = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransitionTo reports whether the status machine permits moving from s
// to next. Creating may become running, stopped (destroyed before it ever
// ran) or error; running may only stop. Terminal states admit nothing.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusCreating:
		return next == StatusRunning || next == StatusStopped || next == StatusError
	case StatusRunning:
		return next == StatusStopped
	default:
		return false
	}
}

// Viewport is the browser window size for playwright sessions.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Session is the record tracked for every live session. It is persisted
// as JSON in the metadata store, so every field must round-trip.
type Session struct {
	// ID is the globally unique session identifier.
	ID string `json:"id"`

	// Type says what the session is for.
	Type SessionType `json:"type"`

	// Language is the language registry id, when the session is bound to one.
	Language string `json:"language,omitempty"`

	// Status is the current lifecycle state.
	Status SessionStatus `json:"status"`

	// MemoryBudget is the requested memory label, e.g. "2g".
	MemoryBudget string `json:"memory_budget,omitempty"`

	// WorkspaceDir is the session's scratch directory on disk.
	WorkspaceDir string `json:"workspace_dir,omitempty"`

	// ProcessID is the pid of the helper child process, when one was spawned.
	ProcessID int `json:"process_id,omitempty"`

	// Endpoints maps symbolic names to URLs exposed by the session.
	Endpoints map[string]string `json:"endpoints,omitempty"`

	// BoundPort is the port held from the pool, when one was allocated.
	BoundPort int `json:"bound_port,omitempty"`

	// Template is the project template for vscode sessions.
	Template string `json:"template,omitempty"`

	// Browser is the engine for playwright sessions.
	Browser string `json:"browser,omitempty"`

	// Headless records whether the playwright browser runs headless.
	Headless bool `json:"headless,omitempty"`

	// Viewport is the browser window size for playwright sessions.
	Viewport *Viewport `json:"viewport,omitempty"`

	// OwnerClientID identifies the caller that created the session.
	OwnerClientID string `json:"owner_client_id"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Clone returns a deep copy. Store tiers hand out clones so concurrent
// readers never share mutable state with the session manager.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Endpoints != nil {
		out.Endpoints = make(map[string]string, len(s.Endpoints))
		for k, v := range s.Endpoints {
			out.Endpoints[k] = v
		}
	}
	if s.Viewport != nil {
		vp := *s.Viewport
		out.Viewport = &vp
	}
	return &out
}

// IdleFor returns how long the session has gone without access.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastAccessedAt)
}
