package health

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/storage/memstore"
)

func TestHealthChecker_Healthy(t *testing.T) {
	store := memstore.NewStore(nil, nil)
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1"}, nil)
	h.AddCheck("store_invariant", func(context.Context) error { return store.CheckInvariant() }, true)
	h.SetKeyCounter(store.Len)

	require.NoError(t, store.Upsert(context.Background(), []model.Entity{model.NewEntity([]byte("k"), []byte("v"))}))
	h.RunChecks(context.Background())

	assert.True(t, h.IsLive())
	assert.True(t, h.IsReady())
	st := h.GetStatus()
	assert.Equal(t, "node-1", st.NodeID)
	assert.Equal(t, model.NodeStatusHealthy, st.Status)
	assert.Equal(t, 1, st.Keys)

	checks := h.GetChecks()
	assert.Len(t, checks, 3)
	assert.Equal(t, StatusHealthy, checks["store_invariant"].Status)
}

func TestHealthChecker_Degraded(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n"}, nil)
	h.AddCheck("cache", func(context.Context) error { return stderrors.New("slow") }, false)
	h.RunChecks(context.Background())

	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)
	assert.Equal(t, StatusWarning, h.GetChecks()["cache"].Status)
	assert.Equal(t, "slow", h.GetChecks()["cache"].Message)
}

func TestHealthChecker_Unhealthy(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n", MaxGoroutines: 1}, nil)
	h.AddCheck("backend", func(context.Context) error { return stderrors.New("connection refused") }, true)
	h.RunChecks(context.Background())

	assert.True(t, h.IsLive())
	assert.False(t, h.IsReady())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)
	assert.Equal(t, StatusCritical, h.GetChecks()["backend"].Status)
	assert.Equal(t, StatusWarning, h.GetChecks()["goroutines"].Status)
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n", Timeout: 10 * time.Millisecond}, nil)
	h.AddCheck("hang", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
}

func TestHandlers(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n"}, nil)
	h.RunChecks(context.Background())

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])

	h.SetReadiness(false)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ChecksHandler(rec, httptest.NewRequest(http.MethodGet, "/health/checks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutines")
}
