// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Checks nil safety and that counters show up on the exposition endpoint

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageStored("incoming", "received")
	m.DuplicateDropped()
	m.StageFailed("persist")
	m.SendResult(false)
	m.EventBroadcast("pong")
	m.SetViewers(3)
	m.ViewersPruned(1)
	m.HandlerFailed("tickets")
	m.RegisterGaugeFunc("x", "y", func() float64 { return 1 })
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()

	m.MessageStored("incoming", "received")
	m.MessageStored("incoming", "received")
	m.SendResult(true)
	m.SendResult(false)
	m.DuplicateDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesStored.WithLabelValues("incoming", "received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))
}

func TestHandlerExposesGaugeFunc(t *testing.T) {
	m := New()
	m.RegisterGaugeFunc("write_queue_depth", "Pending writes.", func() float64 { return 7 })
	m.SetViewers(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "relay_write_queue_depth 7")
	assert.Contains(t, body, "relay_viewers_connected 2")
}
