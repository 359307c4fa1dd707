package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/concache/pkg/observability"
)

var errCacheDirUnwritable = errors.New("cache directory not writable")

func serveJSON(t *testing.T, handler http.Handler, path string) (int, map[string]string) {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return rec.Code, body
}

func TestHealthHandler_ReturnsOK(t *testing.T) {
	t.Parallel()

	code, body := serveJSON(t, observability.HealthHandler(), "/healthz")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyHandler(t *testing.T) {
	t.Parallel()

	pass := func(_ context.Context) error { return nil }
	fail := func(_ context.Context) error { return errCacheDirUnwritable }

	tests := []struct {
		name   string
		checks []observability.ReadyCheck
		code   int
		status string
		errMsg string
	}{
		{"no checks", nil, http.StatusOK, "ok", ""},
		{"all pass", []observability.ReadyCheck{pass, pass}, http.StatusOK, "ok", ""},
		{"one fails", []observability.ReadyCheck{pass, fail}, http.StatusServiceUnavailable, "unavailable", errCacheDirUnwritable.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, body := serveJSON(t, observability.ReadyHandler(tt.checks...), "/readyz")

			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, tt.errMsg, body["error"])
		})
	}
}

func TestDiagnosticsServer_ServesEndpoints(t *testing.T) {
	t.Parallel()

	metrics, _, err := observability.PrometheusHandler()
	require.NoError(t, err)

	srv, err := observability.NewDiagnosticsServer("127.0.0.1:0", metrics, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.Close(context.Background()) })

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req, reqErr := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+srv.Addr()+path, http.NoBody)
		require.NoError(t, reqErr)

		resp, doErr := http.DefaultClient.Do(req)
		require.NoError(t, doErr, path)

		_ = resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestDiagnosticsServer_NoMetricsHandler(t *testing.T) {
	t.Parallel()

	srv, err := observability.NewDiagnosticsServer("127.0.0.1:0", nil, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.Close(context.Background()) })

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+srv.Addr()+"/metrics", http.NoBody)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
