// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAvailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupPort func(t *testing.T) int
		expected  bool
	}{
		{
			name: "available port returns true",
			setupPort: func(t *testing.T) int {
				t.Helper()
				// Find a truly available port by binding to :0
				listener, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				port := listener.Addr().(*net.TCPAddr).Port
				require.NoError(t, listener.Close())
				return port
			},
			expected: true,
		},
		{
			name: "tcp occupied port returns false",
			setupPort: func(t *testing.T) int {
				t.Helper()
				listener, err := net.Listen("tcp", "127.0.0.1:0")
				require.NoError(t, err)
				t.Cleanup(func() {
					listener.Close()
				})
				return listener.Addr().(*net.TCPAddr).Port
			},
			expected: false,
		},
		{
			name: "udp occupied port returns false",
			setupPort: func(t *testing.T) int {
				t.Helper()
				conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
				require.NoError(t, err)
				t.Cleanup(func() {
					conn.Close()
				})
				return conn.LocalAddr().(*net.UDPAddr).Port
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			port := tt.setupPort(t)
			assert.Equal(t, tt.expected, IsAvailable(port))
		})
	}
}

func TestFindAvailableStaysInFallbackSpan(t *testing.T) {
	t.Parallel()

	port := FindAvailable()
	require.NotZero(t, port)
	assert.GreaterOrEqual(t, port, FallbackOffset)
	assert.Less(t, port, FallbackOffset+FallbackSpan)

	// The returned port must actually be bindable.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	assert.NoError(t, listener.Close())
}
