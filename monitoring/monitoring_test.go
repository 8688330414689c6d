package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h *Health) (int, HealthStatus) {
	rec := httptest.NewRecorder()
	h.Handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	return rec.Code, status
}

func TestHealthHealthy(t *testing.T) {
	h := NewHealth()
	h.RegisterHealthCheck("sink", func() bool { return true })
	h.SetStats(func() interface{} { return map[string]int{"tick_count": 3} })

	code, status := get(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, map[string]string{"sink": "healthy"}, status.ComponentStatus)
	assert.Equal(t, map[string]interface{}{"tick_count": float64(3)}, status.Service)
	assert.Positive(t, status.GoroutineCount)
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealth()
	h.RegisterHealthCheck("source", func() bool { return false })
	h.RegisterHealthCheck("sink", func() bool { return true })
	h.RecordError(errors.New("broker login failed"))
	h.RecordError(nil)

	code, status := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unhealthy", status.ComponentStatus["source"])
	assert.Equal(t, "broker login failed", status.LastError)
}

func TestMetricsCollection(t *testing.T) {
	h := NewHealth()
	h.RegisterHealthCheck("heartbeat", func() bool { return false })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartMetricsCollection(ctx, time.Hour, h)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(GoroutineCount) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.CollectAndCount(ComponentUp) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentUp.WithLabelValues("heartbeat")))
}
