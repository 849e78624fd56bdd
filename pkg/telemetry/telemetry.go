// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the hub's Prometheus instrumentation.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the hub's collectors with the registry serving them.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls     *prometheus.CounterVec
	backendState  *prometheus.GaugeVec
	restarts      *prometheus.CounterVec
	openStreams   prometheus.Gauge
	activeBackend prometheus.Gauge
}

// NewMetrics builds an isolated metrics set. Each hub instance owns one.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_tool_calls_total",
			Help: "Tool calls routed to backends, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		backendState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portico_backend_up",
			Help: "1 while the backend is in the RUNNING state.",
		}, []string{"backend"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "portico_backend_restarts_total",
			Help: "Automatic backend restarts.",
		}, []string{"backend"}),
		openStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portico_open_streams",
			Help: "Currently open client event streams.",
		}),
		activeBackend: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portico_backends_running",
			Help: "Backends currently in the RUNNING state.",
		}),
	}
}

// Handler serves the /metrics endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordToolCall counts one routed call.
func (m *Metrics) RecordToolCall(backend, outcome string) {
	m.toolCalls.WithLabelValues(backend, outcome).Inc()
}

// SetBackendRunning flips the per-backend up gauge.
func (m *Metrics) SetBackendRunning(backend string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.backendState.WithLabelValues(backend).Set(v)
}

// RecordRestart counts one automatic restart.
func (m *Metrics) RecordRestart(backend string) {
	m.restarts.WithLabelValues(backend).Inc()
}

// StreamOpened tracks a new client stream.
func (m *Metrics) StreamOpened() { m.openStreams.Inc() }

// StreamClosed tracks a finished client stream.
func (m *Metrics) StreamClosed() { m.openStreams.Dec() }

// BackendRunningDelta adjusts the running-backend count.
func (m *Metrics) BackendRunningDelta(d float64) { m.activeBackend.Add(d) }
