// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool returns a pool whose OS probe always succeeds and whose clock
// is controlled by the returned function.
func testPool(min, max int) (*PortPool, func(time.Duration)) {
	p := NewPortPool(min, max)
	p.probe = func(int) bool { return true }

	current := time.Now()
	p.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return p, advance
}

func TestPoolAcquiresDistinctPorts(t *testing.T) {
	t.Parallel()

	p, _ := testPool(8080, 9999)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := p.Acquire()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 8080)
		require.LessOrEqual(t, port, 9999)
		require.False(t, seen[port], "port %d issued twice", port)
		seen[port] = true
	}

	stats := p.Stats()
	assert.Equal(t, 5, stats.InUse)
	assert.Equal(t, 0, stats.Cooling)
	assert.Equal(t, 1920, stats.Capacity)
}

func TestPoolReleaseHonorsCooldown(t *testing.T) {
	t.Parallel()

	p, advance := testPool(8080, 8089)

	first, err := p.Acquire()
	require.NoError(t, err)
	p.Release(first)

	// Within the cool-down the freed port must not be reissued.
	second, err := p.Acquire()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, p.Stats().Cooling)

	// After the cool-down it is the first candidate again.
	advance(CooldownPeriod + time.Second)
	third, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Equal(t, 0, p.Stats().Cooling)
}

func TestPoolFallsBackWhenExhausted(t *testing.T) {
	t.Parallel()

	p, _ := testPool(9000, 9001)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{9000, 9001}, []int{a, b})

	fallback, err := p.Acquire()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fallback, FallbackOffset)
	assert.Less(t, fallback, FallbackOffset+FallbackSpan)

	// Fallback ports are untracked; releasing one is a no-op.
	p.Release(fallback)
	assert.Equal(t, 2, p.Stats().InUse)
}

func TestPoolQuarantinesBusyPorts(t *testing.T) {
	t.Parallel()

	p, _ := testPool(8080, 8089)
	p.probe = func(port int) bool { return port != 8080 }

	port, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 8081, port)

	stats := p.Stats()
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 1, stats.Cooling)
}

func TestPoolReleaseOutOfRangeIsNoop(t *testing.T) {
	t.Parallel()

	p, _ := testPool(8080, 8089)
	p.Release(80)
	p.Release(12345)
	assert.Equal(t, PoolStats{Capacity: 10}, p.Stats())
}

func TestPoolSwapsInvertedBounds(t *testing.T) {
	t.Parallel()

	p, _ := testPool(9999, 8080)
	port, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
}
