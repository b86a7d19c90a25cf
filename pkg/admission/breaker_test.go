// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crucerr "github.com/crucible-mcp/crucible/pkg/errors"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker("dep", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanAttempt())

	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanAttempt())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker("dep", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})

	b.RecordFailure(errBoom)
	b.RecordSuccess()
	b.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b := NewBreaker("dep", BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		RecoverSuccesses: 2,
	})

	b.RecordFailure(errBoom)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// First attempt after the reset timeout is the half-open probe.
	require.True(t, b.CanAttempt())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only one probe may be in flight.
	assert.False(t, b.CanAttempt())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.CanAttempt())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker("dep", BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
	})

	b.RecordFailure(errBoom)
	time.Sleep(20 * time.Millisecond)

	require.True(t, b.CanAttempt())
	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanAttempt())
}

func TestBreakerExpectedErrorFilter(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("transient")
	b := NewBreaker("dep", BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		ExpectedError:    func(err error) bool { return errors.Is(err, errTransient) },
	})

	// Unexpected errors never trip the breaker.
	for i := 0; i < 10; i++ {
		b.RecordFailure(errBoom)
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure(errTransient)
	b.RecordFailure(errTransient)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerDoRejectsWhenOpen(t *testing.T) {
	t.Parallel()

	b := NewBreaker("dep", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	calls := 0
	fail := func(context.Context) error {
		calls++
		return errBoom
	}

	err := b.Do(ctx, fail)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, calls)

	// Circuit is open now; fn must not run.
	err = b.Do(ctx, fail)
	require.Error(t, err)
	assert.True(t, crucerr.IsCircuitOpen(err))
	assert.Equal(t, 1, calls)
}

func TestBreakerSnapshot(t *testing.T) {
	t.Parallel()

	b := NewBreaker("metadata-store", BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Hour})
	b.RecordFailure(errBoom)

	snap := b.Snapshot()
	assert.Equal(t, "metadata-store", snap.Name)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.FailureCount)
	assert.False(t, snap.LastFailureTime.IsZero())
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("dep", BreakerConfig{})
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.cfg.ResetTimeout)
	assert.Equal(t, 3, b.cfg.RecoverSuccesses)
}
