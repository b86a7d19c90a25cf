// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/crucible-mcp/crucible/pkg/logger"
)

// CooldownPeriod is how long a released port stays quarantined before it
// can be handed out again, to avoid TIME_WAIT collisions.
const CooldownPeriod = 30 * time.Second

// PortPool tracks pooled ports with a bitmap. A port is either free, in
// use, or cooling down after release. Every candidate is probed against
// the OS before it is handed out, so ports bound by other processes are
// skipped (and quarantined so we do not re-probe them on every acquire).
type PortPool struct {
	mu sync.Mutex

	min, max int
	bits     []uint64
	cooldown map[int]time.Time

	// now and probe are swappable for tests.
	now   func() time.Time
	probe func(int) bool
}

// PoolStats is a point-in-time view of the pool for health reporting.
type PoolStats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	Cooling  int `json:"cooling"`
}

// NewPortPool creates a pool over [min, max]. Out-of-order bounds are
// swapped rather than rejected.
func NewPortPool(min, max int) *PortPool {
	if min > max {
		min, max = max, min
	}
	capacity := max - min + 1
	return &PortPool{
		min:      min,
		max:      max,
		bits:     make([]uint64, (capacity+63)/64),
		cooldown: make(map[int]time.Time),
		now:      time.Now,
		probe:    IsAvailable,
	}
}

// NewDefaultPortPool creates a pool over the standard session port range.
func NewDefaultPortPool() *PortPool {
	return NewPortPool(MinPort, MaxPort)
}

// Acquire returns a free port. It scans the pool range first and falls
// back to an offset plus random choice when the range is exhausted.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	for port := p.min; port <= p.max; port++ {
		if p.taken(port) {
			continue
		}
		if !p.probe(port) {
			// Something outside the pool holds this port. Quarantine it
			// so the next scan skips it cheaply.
			p.set(port)
			p.cooldown[port] = p.now().Add(CooldownPeriod)
			continue
		}
		p.set(port)
		return port, nil
	}

	logger.Warnf("Port pool range %d-%d exhausted, falling back to offset allocation", p.min, p.max)
	for i := 0; i < MaxAttempts; i++ {
		port := FallbackOffset + rand.IntN(FallbackSpan)
		if p.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no ports available in range %d-%d or fallback span", p.min, p.max)
}

// Release returns a port to the pool after the cool-down elapses. Ports
// outside the pool range (fallback allocations) are not tracked.
func (p *PortPool) Release(port int) {
	if port < p.min || port > p.max {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.taken(port) {
		return
	}
	p.cooldown[port] = p.now().Add(CooldownPeriod)
}

// Stats returns the current pool occupancy.
func (p *PortPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()

	inUse := 0
	for _, w := range p.bits {
		for ; w != 0; w &= w - 1 {
			inUse++
		}
	}
	return PoolStats{
		Capacity: p.max - p.min + 1,
		InUse:    inUse - len(p.cooldown),
		Cooling:  len(p.cooldown),
	}
}

// sweepLocked frees ports whose cool-down has elapsed. Callers hold p.mu.
func (p *PortPool) sweepLocked() {
	now := p.now()
	for port, until := range p.cooldown {
		if !now.Before(until) {
			p.clear(port)
			delete(p.cooldown, port)
		}
	}
}

func (p *PortPool) taken(port int) bool {
	idx := port - p.min
	return p.bits[idx/64]&(1<<(idx%64)) != 0
}

func (p *PortPool) set(port int) {
	idx := port - p.min
	p.bits[idx/64] |= 1 << (idx % 64)
}

func (p *PortPool) clear(port int) {
	idx := port - p.min
	p.bits[idx/64] &^= 1 << (idx % 64)
}
