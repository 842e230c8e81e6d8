package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otterflow/otterflow/internal/app"
	"github.com/otterflow/otterflow/internal/router"
)

func portOf(t *testing.T, url string) string {
	t.Helper()
	hostport := strings.TrimPrefix(url, "http://")
	i := strings.LastIndex(hostport, ":")
	require.GreaterOrEqual(t, i, 0)
	return hostport[i:]
}

func TestRunHealthCheck_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	require.NoError(t, runHealthCheck(portOf(t, srv.URL)))
}

func TestRunHealthCheck_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := runHealthCheck(portOf(t, srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check returned status 503")
}

func TestRunHealthCheck_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	port := portOf(t, srv.URL)
	srv.Close()

	err := runHealthCheck(port)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080/healthz"},
		{"0.0.0.0:9000", "http://localhost:9000/healthz"},
		{"[::]:9000", "http://localhost:9000/healthz"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000/healthz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, healthURL(tt.addr), tt.addr)
	}
}

func TestVersionIsSet(t *testing.T) {
	assert.Equal(t, "dev", version)
}

func TestWriteTimeoutCoversAttemptLimit(t *testing.T) {
	cfg := app.Config{MaxAttempts: 1, ProviderTimeoutSecs: 60}
	want := time.Duration(router.MaxAttemptsLimit*60+30) * time.Second
	assert.Equal(t, want, writeTimeout(cfg))
}
