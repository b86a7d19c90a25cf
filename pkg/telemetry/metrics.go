// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the Prometheus metric set for the broker:
// request and session counters, execution gauges, p50/p95/p99 duration
// summaries, and sampled system gauges. Everything hangs off a single
// registry so the text export and the health report see the same data.
package telemetry

import (
	"bytes"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v4/process"
)

// quantileObjectives maps each exported quantile to its allowed rank error.
var quantileObjectives = map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001}

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every collector the broker exports.
type Metrics struct {
	registry *prometheus.Registry
	proc     *process.Process

	// HTTP surface
	HTTPRequestsTotal *prometheus.CounterVec
	ActiveConnections prometheus.Gauge

	// Session lifecycle
	SessionOperationsTotal   *prometheus.CounterVec
	ContainerOperationsTotal *prometheus.CounterVec
	ActiveSessions           *prometheus.GaugeVec

	// Metadata store
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.SummaryVec

	// Admission
	PolicyRejectionsTotal *prometheus.CounterVec

	// Execution engine
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.SummaryVec
	ExecutionsInFlight prometheus.Gauge
	QueueDepth         prometheus.Gauge

	// Tool handlers
	ToolDuration *prometheus.SummaryVec

	// System resources, refreshed by the sampler
	SystemMemoryUsedBytes  prometheus.Gauge
	SystemMemoryTotalBytes prometheus.Gauge
	ProcessMemoryRSSBytes  prometheus.Gauge
	CPUPercent             prometheus.Gauge
	LoadAverage            *prometheus.GaugeVec
}

// Get returns the process-wide Metrics instance, creating it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.NewRegistry(), true)
	})
	return instance
}

// NewForTesting builds an isolated metric set on the given registry so
// tests never collide with the process-wide instance.
func NewForTesting(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, false)
}

func newMetrics(reg *prometheus.Registry, withRuntime bool) *Metrics {
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	m.ActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "HTTP requests currently being served",
		},
	)

	m.SessionOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session lifecycle operations by operation and session type",
		},
		[]string{"operation", "type"},
	)

	m.ContainerOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "container",
			Name:      "operations_total",
			Help:      "Helper process operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.ActiveSessions = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Name:      "active_sessions",
			Help:      "Live sessions by type",
		},
		[]string{"type"},
	)

	m.DatabaseOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "database",
			Name:      "operations_total",
			Help:      "Metadata store operations by tier and operation",
		},
		[]string{"tier", "operation"},
	)

	m.DatabaseOperationDuration = factory.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "crucible",
			Subsystem:  "database",
			Name:       "operation_duration_ms",
			Help:       "Metadata store operation latency in milliseconds",
			Objectives: quantileObjectives,
		},
		[]string{"tier"},
	)

	m.PolicyRejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "policy",
			Name:      "rejections_total",
			Help:      "Code submissions rejected by the policy screener",
		},
		[]string{"language"},
	)

	m.ExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Name:      "executions_total",
			Help:      "Code executions by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	m.ExecutionDuration = factory.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "crucible",
			Name:       "execution_duration_ms",
			Help:       "Wall-clock execution time in milliseconds",
			Objectives: quantileObjectives,
		},
		[]string{"language"},
	)

	m.ExecutionsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Name:      "executions_in_flight",
			Help:      "Executions currently holding a run slot",
		},
	)

	m.QueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Name:      "execution_queue_depth",
			Help:      "Executions waiting for a run slot",
		},
	)

	m.ToolDuration = factory.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "crucible",
			Name:       "tool_duration_ms",
			Help:       "MCP tool handler latency in milliseconds",
			Objectives: quantileObjectives,
		},
		[]string{"tool"},
	)

	m.SystemMemoryUsedBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "system",
			Name:      "memory_used_bytes",
			Help:      "Host memory in use",
		},
	)

	m.SystemMemoryTotalBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "system",
			Name:      "memory_total_bytes",
			Help:      "Host memory total",
		},
	)

	m.ProcessMemoryRSSBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Broker resident set size",
		},
	)

	m.CPUPercent = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "system",
			Name:      "cpu_percent",
			Help:      "Host CPU utilization percentage",
		},
	)

	m.LoadAverage = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "system",
			Name:      "load_average",
			Help:      "Host load average by period",
		},
		[]string{"period"},
	)

	return m
}

// Handler returns the text-export HTTP handler for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RenderText gathers the registry and renders it in the Prometheus text
// exposition format, as embedded in detailed health reports.
func (m *Metrics) RenderText() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
