// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

// pruneInterval bounds how often the limiter sweeps idle identities.
const pruneInterval = time.Minute

// LimiterConfig configures the per-identity rate limiter.
type LimiterConfig struct {
	// Points is the number of requests allowed per window.
	Points int
	// Window is the interval over which points replenish.
	Window time.Duration
	// BlockDuration is how long an identity stays blocked after
	// exhausting its budget.
	BlockDuration time.Duration
}

// DefaultLimiterConfig returns the stock limiter tuning.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Points:        100,
		Window:        time.Minute,
		BlockDuration: 5 * time.Minute,
	}
}

// Limiter enforces a token-bucket budget per caller identity. An identity
// that exhausts its budget is blocked outright for the configured duration
// rather than being drip-fed tokens.
type Limiter struct {
	mu        sync.Mutex
	cfg       LimiterConfig
	entries   map[string]*limiterEntry
	lastPrune time.Time

	// now is swappable for tests.
	now func() time.Time
}

type limiterEntry struct {
	bucket       *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

// NewLimiter creates a rate limiter. Zero or negative config fields fall
// back to the defaults.
func NewLimiter(cfg LimiterConfig) *Limiter {
	def := DefaultLimiterConfig()
	if cfg.Points <= 0 {
		cfg.Points = def.Points
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	return &Limiter{
		cfg:       cfg,
		entries:   make(map[string]*limiterEntry),
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

// Consume charges cost points against the identity's budget. It returns a
// rate-limited error when the identity is blocked or the charge would
// overdraw the bucket; overdrawing starts the block window.
func (l *Limiter) Consume(identity string, cost int) error {
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	e, ok := l.entries[identity]
	if !ok {
		e = &limiterEntry{
			bucket: rate.NewLimiter(rate.Every(l.cfg.Window/time.Duration(l.cfg.Points)), l.cfg.Points),
		}
		l.entries[identity] = e
	}
	e.lastSeen = now

	if now.Before(e.blockedUntil) {
		return errors.NewRateLimitedError(retryMessage(e.blockedUntil.Sub(now)))
	}

	if !e.bucket.AllowN(now, cost) {
		e.blockedUntil = now.Add(l.cfg.BlockDuration)
		logger.Warnf("Rate limit exceeded for %s, blocking for %s", identity, l.cfg.BlockDuration)
		return errors.NewRateLimitedError(retryMessage(l.cfg.BlockDuration))
	}
	return nil
}

// Blocked reports whether the identity is currently serving a block.
func (l *Limiter) Blocked(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identity]
	return ok && l.now().Before(e.blockedUntil)
}

// pruneLocked drops identities idle for longer than a full window plus
// block so the map cannot grow without bound. Callers hold l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < pruneInterval {
		return
	}
	l.lastPrune = now

	idleCutoff := now.Add(-(l.cfg.Window + l.cfg.BlockDuration))
	for id, e := range l.entries {
		if e.lastSeen.Before(idleCutoff) && !now.Before(e.blockedUntil) {
			delete(l.entries, id)
		}
	}
}

func retryMessage(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("rate limit exceeded, retry in %ds", secs)
}
