// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission gates work before it reaches the execution pipeline.
// It provides a per-identity token-bucket rate limiter and circuit
// breakers around external dependencies.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crucible-mcp/crucible/pkg/errors"
	"github.com/crucible-mcp/crucible/pkg/logger"
)

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates normal operation - requests pass through
	StateClosed State = "closed"
	// StateOpen indicates failing state - requests fail immediately
	StateOpen State = "open"
	// StateHalfOpen indicates recovery testing - limited requests allowed
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive expected errors that
	// open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before admitting a
	// half-open probe.
	ResetTimeout time.Duration
	// RecoverSuccesses is the number of consecutive half-open successes
	// needed to close the circuit again.
	RecoverSuccesses int
	// ExpectedError reports whether a failure counts toward the threshold.
	// nil counts every error.
	ExpectedError func(error) bool
}

// DefaultBreakerConfig returns the stock breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		RecoverSuccesses: 3,
	}
}

// Breaker tracks failures against one dependency and transitions through
// closed, open and half-open states. Closed admits everything; open rejects
// immediately; half-open admits a single probe at a time.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  BreakerConfig

	state        State
	failureCount int
	successCount int

	lastStateChange time.Time
	lastFailureTime time.Time

	halfOpenProbeInFlight bool
}

// NewBreaker creates a circuit breaker for the named dependency. Zero or
// negative config fields fall back to the defaults.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.RecoverSuccesses <= 0 {
		cfg.RecoverSuccesses = def.RecoverSuccesses
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// CanAttempt checks if an operation should be allowed based on circuit
// state. The open to half-open transition happens lazily here once the
// reset timeout has elapsed.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastStateChange) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.lastStateChange = time.Now()
			b.successCount = 0
			b.halfOpenProbeInFlight = true
			logger.Infof("Circuit breaker for %s HALF-OPEN (probing recovery)", b.name)
			return true
		}
		return false

	case StateHalfOpen:
		// Only one probe at a time.
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful operation. In half-open state the
// circuit closes after the configured run of consecutive successes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenProbeInFlight = false

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.RecoverSuccesses {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.lastStateChange = time.Now()
			logger.Infof("Circuit breaker for %s CLOSED (recovery successful)", b.name)
		}

	case StateOpen:
		// Stragglers from before the circuit opened. Ignore.
	}
}

// RecordFailure records a failed operation. In closed state only failures
// matching the expected-error predicate count toward the threshold; in
// half-open state any failure reopens the circuit.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenProbeInFlight = false
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.cfg.ExpectedError != nil && !b.cfg.ExpectedError(err) {
			return
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.lastStateChange = time.Now()
			logger.Warnf("Circuit breaker for %s OPENED (threshold exceeded): %v", b.name, err)
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		b.lastStateChange = time.Now()
		logger.Warnf("Circuit breaker for %s returned to OPEN (probe failed): %v", b.name, err)

	case StateOpen:
		// Already open, just update the failure timestamp.
	}
}

// Do runs fn under the breaker. It rejects with a circuit-open error when
// the circuit does not admit the call, and records the outcome otherwise.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.CanAttempt() {
		return errors.NewCircuitOpenError(fmt.Sprintf("circuit breaker for %s is open", b.name))
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns an immutable snapshot of the breaker for health and
// metrics reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastStateChange: b.lastStateChange,
		LastFailureTime: b.lastFailureTime,
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastStateChange time.Time `json:"last_state_change"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}
