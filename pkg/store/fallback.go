// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crucible-mcp/crucible/pkg/core"
)

// MemoryTier implements Tier with in-memory maps. It backs the store when
// the durable tier is disabled or down, and is always written so the
// process can survive a durable-tier outage without losing live sessions.
type MemoryTier struct {
	mu sync.RWMutex

	// sessions maps session id -> record. Values are clones; callers never
	// share memory with the map.
	sessions map[string]*core.Session

	// byOwner maps owner client id -> set of session ids.
	byOwner map[string]map[string]struct{}
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{
		sessions: make(map[string]*core.Session),
		byOwner:  make(map[string]map[string]struct{}),
	}
}

// Put stores a clone of the session.
func (m *MemoryTier) Put(_ context.Context, sess *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[sess.ID]; ok && prev.OwnerClientID != sess.OwnerClientID {
		m.removeOwnerLocked(prev.OwnerClientID, sess.ID)
	}
	m.sessions[sess.ID] = sess.Clone()

	owners, ok := m.byOwner[sess.OwnerClientID]
	if !ok {
		owners = make(map[string]struct{})
		m.byOwner[sess.OwnerClientID] = owners
	}
	owners[sess.ID] = struct{}{}
	return nil
}

// Get returns a clone of the stored session, or ErrNotFound.
func (m *MemoryTier) Get(_ context.Context, id string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.Clone(), nil
}

// Delete removes the session. Deleting an absent id is a no-op.
func (m *MemoryTier) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	m.removeOwnerLocked(sess.OwnerClientID, id)
	return nil
}

// ListByOwner returns clones of the owner's sessions, oldest first.
func (m *MemoryTier) ListByOwner(_ context.Context, ownerClientID string) ([]*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOwner[ownerClientID]
	out := make([]*core.Session, 0, len(ids))
	for id := range ids {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, sess.Clone())
		}
	}
	sortSessions(out)
	return out, nil
}

// ListAll returns clones of every stored session, oldest first.
func (m *MemoryTier) ListAll(_ context.Context) ([]*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Clone())
	}
	sortSessions(out)
	return out, nil
}

// Len returns the number of stored sessions.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryTier) removeOwnerLocked(ownerClientID, id string) {
	owners, ok := m.byOwner[ownerClientID]
	if !ok {
		return
	}
	delete(owners, id)
	if len(owners) == 0 {
		delete(m.byOwner, ownerClientID)
	}
}

// sortSessions orders by creation time, breaking ties by id so listings
// are stable.
func sortSessions(sessions []*core.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
