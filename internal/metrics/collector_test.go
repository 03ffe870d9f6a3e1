package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollectorWith(reg, "npcflow", zap.NewNop()), reg
}

func TestRecordRouteAttempt(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordRouteAttempt("llama3.1:8b", "BACKEND_TIMEOUT")
	c.RecordRouteAttempt("llama3.1:8b", "BACKEND_TIMEOUT")
	c.RecordRouteAttempt("llama3.2:latest", "success")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.routeAttemptsTotal.WithLabelValues("llama3.1:8b", "BACKEND_TIMEOUT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.routeAttemptsTotal.WithLabelValues("llama3.2:latest", "success")))
}

func TestRecordChainExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordChainExhausted("dialogue")
	assert.Equal(t, float64(1), testutil.ToFloat64(c.chainExhausted.WithLabelValues("dialogue")))
}

func TestRecordStaleResult(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordStaleResult("conversation_mismatch")
	c.RecordStaleResult("session_ended")
	c.RecordStaleResult("conversation_mismatch")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.staleResultsTotal.WithLabelValues("conversation_mismatch")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.staleResultsTotal.WithLabelValues("session_ended")))
}

func TestSessionsActiveGauge(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetSessionsActive(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.sessionsActive))
	c.SetSessionsActive(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.sessionsActive))
}

func TestMetricsRegistered(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordRoute("dialogue", 250*time.Millisecond, 1)
	c.RecordHTTPRequest("POST", "/dialogue/start", 202, 5*time.Millisecond)
	c.RecordDialogueRequest("start", "accepted")
	c.RecordHistoryQuery("get", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["npcflow_route_duration_seconds"])
	assert.True(t, names["npcflow_route_fallback_depth"])
	assert.True(t, names["npcflow_http_requests_total"])
	assert.True(t, names["npcflow_dialogue_requests_total"])
	assert.True(t, names["npcflow_history_query_duration_seconds"])
}
