// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists session records across three tiers: a process
// local near cache, an optional durable Redis tier, and an in-memory
// fallback that keeps the server usable through a durable-tier outage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/crucible-mcp/crucible/pkg/admission"
	"github.com/crucible-mcp/crucible/pkg/core"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

// ErrNotFound is returned when no tier holds the requested session.
var ErrNotFound = errors.New("session not found")

// Near cache defaults.
const (
	DefaultNearCacheSize = 5000
	DefaultNearCacheTTL  = 10 * time.Minute
)

// Tier is one storage backend for session records. Implementations must
// be safe for concurrent use.
type Tier interface {
	Put(ctx context.Context, sess *core.Session) error
	Get(ctx context.Context, id string) (*core.Session, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerClientID string) ([]*core.Session, error)
	ListAll(ctx context.Context) ([]*core.Session, error)
}

// Config tunes the near cache.
type Config struct {
	NearCacheSize int
	NearCacheTTL  time.Duration
}

// Store is the three-tier session store. Reads cascade near cache then
// durable then fallback; writes fan out to every tier. The durable tier is
// wrapped by a circuit breaker so a dead Redis degrades the store to
// fallback mode instead of stalling every request on timeouts.
type Store struct {
	near     *expirable.LRU[string, *core.Session]
	durable  Tier
	fallback *MemoryTier
	breaker  *admission.Breaker
}

// New creates a store. durable may be nil, which puts the store into
// fallback-only mode. A nil breaker gets a default one; pass the breaker
// from the shared registry so health reporting sees it.
func New(durable Tier, breaker *admission.Breaker, cfg Config) *Store {
	if cfg.NearCacheSize <= 0 {
		cfg.NearCacheSize = DefaultNearCacheSize
	}
	if cfg.NearCacheTTL <= 0 {
		cfg.NearCacheTTL = DefaultNearCacheTTL
	}
	if breaker == nil {
		breaker = admission.NewBreaker("metadata-store", admission.DefaultBreakerConfig())
	}
	return &Store{
		near:     expirable.NewLRU[string, *core.Session](cfg.NearCacheSize, nil, cfg.NearCacheTTL),
		durable:  durable,
		fallback: NewMemoryTier(),
		breaker:  breaker,
	}
}

// Put writes the session to every tier. Success requires the fallback
// tier; a durable-tier failure is logged and absorbed.
func (s *Store) Put(ctx context.Context, sess *core.Session) error {
	if err := s.fallback.Put(ctx, sess); err != nil {
		return err
	}

	s.durableCall(ctx, "put", func(ctx context.Context) error {
		return s.durable.Put(ctx, sess)
	})

	s.near.Add(sess.ID, sess.Clone())
	return nil
}

// Get reads the near cache first, then the durable tier (filling the near
// cache on a hit), then the fallback. ErrNotFound when every tier misses.
func (s *Store) Get(ctx context.Context, id string) (*core.Session, error) {
	if sess, ok := s.near.Get(id); ok {
		return sess.Clone(), nil
	}

	var fromDurable *core.Session
	s.durableCall(ctx, "get", func(ctx context.Context) error {
		sess, err := s.durable.Get(ctx, id)
		if err != nil {
			return err
		}
		fromDurable = sess
		return nil
	})
	if fromDurable != nil {
		s.near.Add(id, fromDurable.Clone())
		return fromDurable, nil
	}

	return s.fallback.Get(ctx, id)
}

// Delete removes the session from every tier. Durable-tier failures are
// logged but do not fail the delete; the record's TTL bounds the damage.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.near.Remove(id)

	s.durableCall(ctx, "delete", func(ctx context.Context) error {
		return s.durable.Delete(ctx, id)
	})

	return s.fallback.Delete(ctx, id)
}

// ListByOwner merges the durable tier (when reachable) with the fallback,
// de-duplicated by id keeping the most recently accessed copy.
func (s *Store) ListByOwner(ctx context.Context, ownerClientID string) ([]*core.Session, error) {
	var durable []*core.Session
	s.durableCall(ctx, "list", func(ctx context.Context) error {
		out, err := s.durable.ListByOwner(ctx, ownerClientID)
		if err != nil {
			return err
		}
		durable = out
		return nil
	})

	local, err := s.fallback.ListByOwner(ctx, ownerClientID)
	if err != nil {
		return nil, err
	}
	return mergeSessions(durable, local), nil
}

// ListAll merges every session across the durable tier and the fallback.
func (s *Store) ListAll(ctx context.Context) ([]*core.Session, error) {
	var durable []*core.Session
	s.durableCall(ctx, "list-all", func(ctx context.Context) error {
		out, err := s.durable.ListAll(ctx)
		if err != nil {
			return err
		}
		durable = out
		return nil
	})

	local, err := s.fallback.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return mergeSessions(durable, local), nil
}

// Mode reports which tier is authoritative right now.
func (s *Store) Mode() string {
	if s.durable == nil {
		return "fallback"
	}
	if s.breaker.State() == admission.StateOpen {
		return "fallback"
	}
	return "durable"
}

// Health describes the store tiers for health reporting.
type Health struct {
	Mode              string `json:"mode"`
	DurableConfigured bool   `json:"durable_configured"`
	DurableHealthy    bool   `json:"durable_healthy"`
	NearCacheEntries  int    `json:"near_cache_entries"`
	FallbackEntries   int    `json:"fallback_entries"`
}

// CheckHealth pings the durable tier (when configured) and snapshots tier
// occupancy.
func (s *Store) CheckHealth(ctx context.Context) Health {
	h := Health{
		Mode:              s.Mode(),
		DurableConfigured: s.durable != nil,
		NearCacheEntries:  s.near.Len(),
		FallbackEntries:   s.fallback.Len(),
	}
	if pinger, ok := s.durable.(interface{ Ping(context.Context) error }); ok {
		h.DurableHealthy = pinger.Ping(ctx) == nil
	}
	return h
}

// Close releases the durable tier's resources, if it has any.
func (s *Store) Close() error {
	if closer, ok := s.durable.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// durableCall runs op against the durable tier under the breaker. A miss
// (ErrNotFound) counts as a healthy response. Returns false when the tier
// is absent, the breaker rejected the call, or op failed.
func (s *Store) durableCall(ctx context.Context, what string, op func(context.Context) error) bool {
	if s.durable == nil {
		return false
	}
	if !s.breaker.CanAttempt() {
		return false
	}

	err := op(ctx)
	switch {
	case err == nil:
		s.breaker.RecordSuccess()
		return true
	case errors.Is(err, ErrNotFound):
		s.breaker.RecordSuccess()
		return false
	default:
		s.breaker.RecordFailure(err)
		logger.Warnf("Durable tier %s failed, continuing on fallback: %v", what, err)
		return false
	}
}

// mergeSessions de-duplicates by id, preferring the copy with the newer
// LastAccessedAt. Result is ordered oldest first.
func mergeSessions(a, b []*core.Session) []*core.Session {
	byID := make(map[string]*core.Session, len(a)+len(b))
	for _, sess := range a {
		byID[sess.ID] = sess
	}
	for _, sess := range b {
		if prev, ok := byID[sess.ID]; ok && !sess.LastAccessedAt.After(prev.LastAccessedAt) {
			continue
		}
		byID[sess.ID] = sess
	}

	out := make([]*core.Session, 0, len(byID))
	for _, sess := range byID {
		out = append(out, sess)
	}
	sortSessions(out)
	return out
}
