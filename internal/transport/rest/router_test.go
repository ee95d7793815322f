package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRouter(deps map[string]Pinger) http.Handler {
	return NewRouter(RouterDeps{Health: NewHealthHandler(deps)})
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestReadyz_AllUp(t *testing.T) {
	ok := PingerFunc(func(context.Context) error { return nil })
	r := newTestRouter(map[string]Pinger{"postgres": ok, "rabbitmq": ok})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ready", body.Status)
	require.Equal(t, "ok", body.Checks["postgres"])
	require.Equal(t, "ok", body.Checks["rabbitmq"])
}

func TestReadyz_DependencyDown(t *testing.T) {
	ok := PingerFunc(func(context.Context) error { return nil })
	down := PingerFunc(func(context.Context) error { return errors.New("connection refused") })
	r := newTestRouter(map[string]Pinger{"postgres": ok, "rabbitmq": down})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "ok", body.Checks["postgres"])
	require.Contains(t, body.Checks["rabbitmq"], "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestID_Propagated(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, "fixed-id", rec.Header().Get("X-Request-Id"))
}
