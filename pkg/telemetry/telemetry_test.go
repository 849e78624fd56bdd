// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallCounter(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.RecordToolCall("github", "ok")
	m.RecordToolCall("github", "ok")
	m.RecordToolCall("github", "timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("github", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("github", "timeout")))
}

func TestBackendRunningGauge(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.SetBackendRunning("srv", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendState.WithLabelValues("srv")))

	m.SetBackendRunning("srv", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backendState.WithLabelValues("srv")))
}

func TestStreamGauge(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openStreams))
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.RecordRestart("flaky")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "portico_backend_restarts_total")
}

func TestIsolatedRegistries(t *testing.T) {
	t.Parallel()

	// Two metric sets do not collide: each hub instance owns its own.
	a := NewMetrics()
	b := NewMetrics()
	a.RecordToolCall("x", "ok")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.toolCalls.WithLabelValues("x", "ok")))
}
