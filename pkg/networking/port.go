// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides port availability probes and the pooled
// port allocator that session helper processes bind to.
package networking

import (
	"fmt"
	"math/rand/v2"
	"net"
)

const (
	// MinPort is the bottom of the pooled session port range
	MinPort = 8080
	// MaxPort is the top of the pooled session port range
	MaxPort = 9999
	// MaxAttempts is the maximum number of random probes when the pool
	// range is exhausted
	MaxAttempts = 10

	// FallbackOffset is where allocation continues once the pool range
	// is exhausted
	FallbackOffset = 10000
	// FallbackSpan bounds the random choice above FallbackOffset
	FallbackSpan = 20000
)

// IsAvailable checks if a port is available
func IsAvailable(port int) bool {
	// Check TCP
	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}

	tcpListener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return false
	}
	tcpListener.Close()

	// Check UDP
	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return false
	}
	udpConn.Close()

	return true
}

// FindAvailable finds an available port in the fallback span above the
// pooled range, or 0 when none can be found.
func FindAvailable() int {
	for i := 0; i < MaxAttempts; i++ {
		port := FallbackOffset + rand.IntN(FallbackSpan)
		if IsAvailable(port) {
			return port
		}
	}

	// If we can't find a random port, try sequential ports
	for port := FallbackOffset; port < FallbackOffset+FallbackSpan; port++ {
		if IsAvailable(port) {
			return port
		}
	}

	// If we still can't find a port, return 0
	return 0
}
