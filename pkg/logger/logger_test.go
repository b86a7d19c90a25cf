// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates the environment
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", false},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", false},
	}

	for _, tt := range tests { //nolint:paralleltest // mutates the environment
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)

			if got := unstructuredLogs(); got != tt.expected {
				t.Errorf("unstructuredLogs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, observed := observer.New(zapcore.DebugLevel)
	prev := singleton.Load()
	singleton.Store(zap.New(core).Sugar())
	t.Cleanup(func() { singleton.Store(prev) })
	return observed
}

// TestLogLevels tests that each log function writes to the underlying core.
func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv"},
		{"Info", func() { Info("info msg") }, "info msg"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
		{"Warn", func() { Warn("warn msg") }, "warn msg"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted"},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv"},
		{"Error", func() { Error("error msg") }, "error msg"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			observed := setSingletonForTest(t)

			tc.logFn()

			entries := observed.All()
			require.Len(t, entries, 1)
			assert.Contains(t, entries[0].Message, tc.contains)
		})
	}
}

// TestPanicf tests that Panicf logs and panics.
func TestPanicf(t *testing.T) { //nolint:paralleltest // mutates singleton
	observed := setSingletonForTest(t)

	assert.Panics(t, func() { Panicf("panic %s", "formatted") })
	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "panic formatted", entries[0].Message)
}

// TestGetSet tests singleton replacement.
func TestGetSet(t *testing.T) { //nolint:paralleltest // mutates singleton
	prev := Get()
	t.Cleanup(func() { Set(prev) })

	replacement := zap.NewNop().Sugar()
	Set(replacement)
	assert.Same(t, replacement, Get())
}

// TestInitializeRespectsDebugFlag verifies Initialize does not panic and
// installs a usable logger.
func TestInitializeRespectsDebugFlag(t *testing.T) { //nolint:paralleltest // mutates singleton
	prev := Get()
	t.Cleanup(func() { Set(prev) })

	Initialize()
	require.NotNil(t, Get())
	Infof("initialized %s", "ok")
}
