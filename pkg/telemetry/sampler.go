// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// DefaultSampleInterval is how often the system gauges are refreshed.
const DefaultSampleInterval = 15 * time.Second

// StartSampler refreshes the system and process gauges on the given
// interval until the context is canceled. It samples once immediately so
// the gauges are populated before the first scrape.
func (m *Metrics) StartSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.SampleSystem()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SampleSystem()
			}
		}
	}()
}

// SampleSystem takes a single reading of host and process resources.
// Probes that fail on the current platform leave their gauges untouched.
func (m *Metrics) SampleSystem() {
	if vm, err := mem.VirtualMemory(); err == nil {
		m.SystemMemoryUsedBytes.Set(float64(vm.Used))
		m.SystemMemoryTotalBytes.Set(float64(vm.Total))
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent.Set(percents[0])
	}

	if avg, err := load.Avg(); err == nil {
		m.LoadAverage.WithLabelValues("1m").Set(avg.Load1)
		m.LoadAverage.WithLabelValues("5m").Set(avg.Load5)
		m.LoadAverage.WithLabelValues("15m").Set(avg.Load15)
	}

	if m.proc != nil {
		if info, err := m.proc.MemoryInfo(); err == nil {
			m.ProcessMemoryRSSBytes.Set(float64(info.RSS))
		}
	}
}
