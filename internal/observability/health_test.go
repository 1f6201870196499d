package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"PoolLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func readyStatus(h *observability.HealthChecker) int {
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return rec.Code
}

func TestReadiness_FlagAndChecks(t *testing.T) {
	h := observability.NewHealthChecker()
	assert.Equal(t, http.StatusServiceUnavailable, readyStatus(h))

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, readyStatus(h))

	var down error = errors.New("connection refused")
	h.AddCheck("postgres", func(context.Context) error { return down })
	assert.Equal(t, http.StatusServiceUnavailable, readyStatus(h))
	assert.Equal(t, map[string]string{"postgres": "connection refused"}, h.Check(context.Background()))

	down = nil
	assert.Equal(t, http.StatusOK, readyStatus(h))
}

func TestLiveness_AlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, observability.ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, observability.ParseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, observability.ParseLogLevel("loud"))
}
