package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestObserveReconcile(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveReconcile(PassStats{Residuals: 2, Strays: 1, Failed: 1, Equity: 10000, Took: 300 * time.Millisecond})
	m.ObserveReconcile(PassStats{Err: errors.New("gateway down"), Took: time.Second})

	assert.Equal(t, 1.0, value(t, m.ReconcilePasses.WithLabelValues("ok")))
	assert.Equal(t, 1.0, value(t, m.ReconcilePasses.WithLabelValues("error")))
	assert.Equal(t, 2.0, value(t, m.ResidualRows))
	assert.Equal(t, 1.0, value(t, m.StrayRows))
	assert.Equal(t, 1.0, value(t, m.StrayRefreshFails))
	assert.Equal(t, 10000.0, value(t, m.TotalEquity))
}

func TestBreakerTransition(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.BreakerTransition(1)
	m.BreakerTransition(2)
	m.BreakerTransition(0)
	assert.Equal(t, 1.0, value(t, m.RedisCircuitBreakerTrips))
	assert.Equal(t, 0.0, value(t, m.RedisCircuitBreakerState))
}

func TestHealthz(t *testing.T) {
	h := NewHealthStatus()
	storeErr := error(nil)
	h.Register("store", func(context.Context) error { return storeErr })
	h.Register("redis", func(context.Context) error { return nil })

	h.Check(context.Background())
	h.SetReconciled(time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string `json:"status"`
		LastReconcile string `json:"last_reconcile"`
		Components    map[string]struct {
			OK bool `json:"ok"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "2025-03-03T15:00:00Z", body.LastReconcile)
	assert.True(t, body.Components["store"].OK)

	storeErr = errors.New("disk full")
	h.Check(context.Background())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "disk full")
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TradesTotal.WithLabelValues("opened").Inc()

	srv := NewServer(":0", NewHealthStatus(), reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `supervisor_trades_total{outcome="opened"} 1`))
}
