// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package health aggregates per-component probes into the status document
// served by the health endpoint and the system_health tool. The overall
// value is the worst of the component statuses, so one open breaker
// degrades the whole report without hiding the rest.
package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/crucible-mcp/crucible/pkg/admission"
	"github.com/crucible-mcp/crucible/pkg/core"
	"github.com/crucible-mcp/crucible/pkg/logger"
	"github.com/crucible-mcp/crucible/pkg/networking"
	"github.com/crucible-mcp/crucible/pkg/store"
)

// OverallStatus is the coarse health value reported to callers.
type OverallStatus string

// Health statuses, ordered from best to worst.
const (
	StatusHealthy   OverallStatus = "healthy"
	StatusDegraded  OverallStatus = "degraded"
	StatusUnhealthy OverallStatus = "unhealthy"
)

var statusRank = map[OverallStatus]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

func worse(a, b OverallStatus) OverallStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// SessionLister is the slice of the session manager the checker needs.
type SessionLister interface {
	List(ctx context.Context, owner string) ([]*core.Session, error)
}

// WorkspaceInspector is the slice of the workspace provisioner the checker
// needs.
type WorkspaceInspector interface {
	SessionsRoot() string
	DegradedLanguages() []string
}

// PortStats reports port-pool occupancy.
type PortStats interface {
	Stats() networking.PoolStats
}

// Checker builds point-in-time status reports from the live components.
type Checker struct {
	store      *store.Store
	workspaces WorkspaceInspector
	sessions   SessionLister
	breakers   *admission.Registry
	ports      PortStats
	version    string

	startedAt time.Time
	now       func() time.Time
}

// NewChecker wires a checker over the server's components.
func NewChecker(
	st *store.Store,
	workspaces WorkspaceInspector,
	sessions SessionLister,
	breakers *admission.Registry,
	ports PortStats,
	version string,
) *Checker {
	return &Checker{
		store:      st,
		workspaces: workspaces,
		sessions:   sessions,
		breakers:   breakers,
		ports:      ports,
		version:    version,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Report is the status document.
type Report struct {
	Status        OverallStatus        `json:"status"`
	Timestamp     time.Time            `json:"timestamp"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Version       string               `json:"version"`
	Platform      string               `json:"platform"`
	Memory        MemorySnapshot       `json:"memory"`
	Sessions      SessionCounts        `json:"sessions"`
	Components    map[string]Component `json:"components,omitempty"`
}

// MemorySnapshot captures process and host memory at report time.
type MemorySnapshot struct {
	RSSBytes         uint64 `json:"rss_bytes"`
	HeapUsedBytes    uint64 `json:"heap_used_bytes"`
	HeapTotalBytes   uint64 `json:"heap_total_bytes"`
	ExternalBytes    uint64 `json:"external_bytes"`
	SystemUsedBytes  uint64 `json:"system_used_bytes"`
	SystemTotalBytes uint64 `json:"system_total_bytes"`
}

// SessionCounts groups live session records for the report.
type SessionCounts struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByStatus   map[string]int `json:"by_status"`
	ByLanguage map[string]int `json:"by_language"`
}

// Component is one probe's result. Data carries probe-specific details and
// is only rendered in detailed reports.
type Component struct {
	Status OverallStatus `json:"status"`
	Detail string        `json:"detail,omitempty"`
	Data   any           `json:"data,omitempty"`
}

// Status builds the report. detailed includes the per-component map; the
// overall value is computed from the probes either way.
func (c *Checker) Status(ctx context.Context, detailed bool) Report {
	now := c.now()
	report := Report{
		Status:        StatusHealthy,
		Timestamp:     now,
		UptimeSeconds: int64(now.Sub(c.startedAt).Seconds()),
		Version:       c.version,
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		Memory:        readMemory(),
	}

	components := map[string]Component{
		"store":      c.checkStore(ctx),
		"workspaces": c.checkWorkspaces(),
		"breakers":   c.checkBreakers(),
		"ports":      c.checkPorts(),
	}
	for _, comp := range components {
		report.Status = worse(report.Status, comp.Status)
	}
	if detailed {
		report.Components = components
	}

	counts, err := c.sessionCounts(ctx)
	if err != nil {
		logger.Warnf("Counting sessions for health report: %v", err)
		report.Status = worse(report.Status, StatusDegraded)
	}
	report.Sessions = counts

	return report
}

func (c *Checker) checkStore(ctx context.Context) Component {
	h := c.store.CheckHealth(ctx)
	comp := Component{Status: StatusHealthy, Data: h}

	switch {
	case !h.DurableConfigured:
		comp.Detail = "durable tier not configured; fallback mode"
	case h.Mode == "fallback":
		comp.Status = StatusDegraded
		comp.Detail = "durable tier unavailable; serving from fallback"
	case !h.DurableHealthy:
		comp.Status = StatusDegraded
		comp.Detail = "durable tier ping failed"
	}
	return comp
}

func (c *Checker) checkWorkspaces() Component {
	comp := Component{Status: StatusHealthy}

	if err := probeWritable(c.workspaces.SessionsRoot()); err != nil {
		comp.Status = StatusUnhealthy
		comp.Detail = fmt.Sprintf("sessions root not writable: %v", err)
		return comp
	}

	if degraded := c.workspaces.DegradedLanguages(); len(degraded) > 0 {
		comp.Status = StatusDegraded
		comp.Detail = fmt.Sprintf("%d language workspaces degraded", len(degraded))
		comp.Data = map[string][]string{"degraded_languages": degraded}
	}
	return comp
}

func (c *Checker) checkBreakers() Component {
	snaps := c.breakers.Snapshots()
	comp := Component{Status: StatusHealthy, Data: snaps}

	var open []string
	for _, s := range snaps {
		if s.State == admission.StateOpen {
			open = append(open, s.Name)
		}
	}
	if len(open) > 0 {
		comp.Status = StatusDegraded
		comp.Detail = "open circuit breakers: " + strings.Join(open, ", ")
	}
	return comp
}

func (c *Checker) checkPorts() Component {
	stats := c.ports.Stats()
	comp := Component{Status: StatusHealthy, Data: stats}

	if stats.InUse+stats.Cooling >= stats.Capacity {
		comp.Status = StatusDegraded
		comp.Detail = fmt.Sprintf("port pool exhausted (%d in use, %d cooling of %d)",
			stats.InUse, stats.Cooling, stats.Capacity)
	}
	return comp
}

func (c *Checker) sessionCounts(ctx context.Context) (SessionCounts, error) {
	counts := SessionCounts{
		ByType:     make(map[string]int),
		ByStatus:   make(map[string]int),
		ByLanguage: make(map[string]int),
	}
	sessions, err := c.sessions.List(ctx, "")
	if err != nil {
		return counts, err
	}

	counts.Total = len(sessions)
	for _, s := range sessions {
		counts.ByType[string(s.Type)]++
		counts.ByStatus[string(s.Status)]++
		if s.Language != "" {
			counts.ByLanguage[s.Language]++
		}
	}
	return counts, nil
}

// probeWritable verifies the directory accepts new files, which is what
// session creation needs.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".healthprobe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if _, err := f.WriteString("ok"); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

func readMemory() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := MemorySnapshot{
		HeapUsedBytes:  ms.HeapAlloc,
		HeapTotalBytes: ms.HeapSys,
		ExternalBytes:  ms.Sys - ms.HeapSys,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snap.RSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.SystemUsedBytes = vm.Used
		snap.SystemTotalBytes = vm.Total
	}
	return snap
}
