package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func probeBody(t *testing.T, h http.HandlerFunc, target string) (int, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestHealthChecker(t *testing.T) {
	t.Run("startz follows startup", func(t *testing.T) {
		h := NewHealthChecker()
		code, body := probeBody(t, h.StartzHandler(), "/startz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_started", body["status"])

		h.SetStarted()
		code, body = probeBody(t, h.StartzHandler(), "/startz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "started", body["status"])
	})

	t.Run("healthz is always alive", func(t *testing.T) {
		code, body := probeBody(t, NewHealthChecker().HealthzHandler(), "/healthz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "alive", body["status"])
	})

	t.Run("readyz follows readiness", func(t *testing.T) {
		h := NewHealthChecker()
		code, _ := probeBody(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)

		h.SetReady()
		code, body := probeBody(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])

		h.SetNotReady()
		code, body = probeBody(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("deep readyz pings dependencies", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetCheck("redis", pingFunc(func(context.Context) error { return nil }))

		code, body := probeBody(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", body["redis"])

		h.SetCheck("redis", pingFunc(func(context.Context) error { return errors.New("down") }))
		code, body = probeBody(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
		assert.Equal(t, "unreachable", body["redis"])

		h.SetCheck("redis", nil)
		code, body = probeBody(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.NotContains(t, body, "redis")
	})
}
