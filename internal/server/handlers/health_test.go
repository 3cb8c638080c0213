package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/godispatch/internal/errors"
	"github.com/3leaps/godispatch/pkg/store"
)

func get(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthReportsStorePing(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)

	m := NewHealthManager("1.2.3")
	m.RegisterChecker("store", HealthCheckerFunc(db.PingContext))
	m.RegisterChecker("identity", HealthCheckerFunc(func(context.Context) error { return nil }))

	rec := get(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"store": "healthy", "identity": "healthy"}, resp.Checks)

	require.NoError(t, db.Close())

	rec = get(t, m.ReadinessHandler, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var env apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, apperrors.CodeServiceUnavailable, env.Error.Code)
	checks, ok := env.Error.Details["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", checks["store"])
	assert.Equal(t, "healthy", checks["identity"])

	// Liveness and startup never run checkers.
	assert.Equal(t, http.StatusOK, get(t, m.LivenessHandler, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(t, m.StartupHandler, "/health/startup").Code)
}

func TestSlowCheckerDegrades(t *testing.T) {
	m := NewHealthManager("dev")
	m.timeout = 20 * time.Millisecond
	m.RegisterChecker("redis", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := get(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["redis"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	assert.Equal(t, "healthy", m.determineOverallStatus(nil))
	assert.Equal(t, "degraded", m.determineOverallStatus(map[string]string{"store": "healthy", "redis": "timeout"}))
	assert.Equal(t, "unhealthy", m.determineOverallStatus(map[string]string{"redis": "timeout", "store": "unhealthy"}))
}

func TestGlobalHealthHandlers(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())
	for path, h := range handlers {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, path).Code, path)
	}

	InitHealthManager("test-version")
	require.NotNil(t, GetHealthManager())
	for path, h := range handlers {
		assert.Equal(t, http.StatusOK, get(t, h, path).Code, path)
	}
}
