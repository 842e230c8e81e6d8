package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

// fakeAdmin serves canned JSON per "METHOD /path" and records each request.
func fakeAdmin(t *testing.T, routes map[string]string) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()

		body, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"model not found"}`)
			return
		}
		if strings.HasPrefix(body, "data:") {
			w.Header().Set("Content-Type", "text/event-stream")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OTTERFLOW_URL", "")
	t.Setenv("OTTERFLOW_ADMIN_TOKEN", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--url", srv.URL, "--token", "tok"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	srv, _ := fakeAdmin(t, nil)
	out, err := run(t, srv, "version")
	require.NoError(t, err)
	assert.Equal(t, "otterflowctl dev\n", out)
}

func TestModelsList(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"GET /admin/v1/models": `{"models":[{"name":"gpt-4o","license":"OpenAI","cost":0.5,"performance":0.9,"input_cost_raw":2.5,"output_cost_raw":10,"io_ratio":3}]}`,
	})
	out, err := run(t, srv, "models", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "OpenAI")
	assert.Contains(t, out, "0.900")
	require.Len(t, reqs(), 1)
	assert.Equal(t, "Bearer tok", reqs()[0].Auth)
}

func TestModelsAddAndDelete(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"POST /admin/v1/models":      `{"ok":true,"name":"m1"}`,
		"DELETE /admin/v1/models/m1": `{"ok":true}`,
	})
	out, err := run(t, srv, "models", "add", `{"name":"m1","license":"Groq"}`)
	require.NoError(t, err)
	assert.Equal(t, "model m1 saved\n", out)
	assert.Equal(t, "Groq", reqs()[0].Body["license"])

	out, err = run(t, srv, "model", "delete", "m1")
	require.NoError(t, err)
	assert.Equal(t, "model m1 deleted\n", out)

	_, err = run(t, srv, "models", "add", "{not json")
	require.Error(t, err)
}

func TestAPIErrorSurfaces(t *testing.T) {
	srv, _ := fakeAdmin(t, nil)
	_, err := run(t, srv, "models", "delete", "missing")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "model not found", apiErr.Message)
}

func TestWalletCredit(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"POST /admin/v1/wallets/u1/credit": `{"user_id":"u1","balance":12.5}`,
		"GET /admin/v1/wallets/u1":         `{"user_id":"u1","balance":12.5}`,
	})
	out, err := run(t, srv, "wallet", "credit", "u1", "2.5")
	require.NoError(t, err)
	assert.Equal(t, "u1\t12.500000\n", out)
	assert.Equal(t, 2.5, reqs()[0].Body["amount"])

	out, err = run(t, srv, "wallet", "get", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1\t12.500000\n", out)

	_, err = run(t, srv, "wallet", "credit", "u1", "-3")
	require.Error(t, err)
	assert.Len(t, reqs(), 2, "invalid amount is rejected locally")
}

func TestAPIKeys(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"POST /admin/v1/apikeys":           `{"key":"otf_abcdef","record":{"id":"k1","user_id":"u1","name":"ci","enabled":true}}`,
		"GET /admin/v1/apikeys":            `{"keys":[{"id":"k1","user_id":"u1","name":"ci","key_prefix":"otf_abcd","enabled":true}]}`,
		"POST /admin/v1/apikeys/k1/rotate": `{"key":"otf_new"}`,
		"DELETE /admin/v1/apikeys/k1":      `{"ok":true}`,
	})

	out, err := run(t, srv, "apikey", "issue", "u1", "--name", "ci", "--expires-in-days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "id:  k1")
	assert.Contains(t, out, "key: otf_abcdef")
	assert.Equal(t, "u1", reqs()[0].Body["user_id"])
	assert.Equal(t, float64(30), reqs()[0].Body["expires_in_days"])

	out, err = run(t, srv, "apikeys", "list", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "otf_abcd")
	assert.Equal(t, "user_id=u1", reqs()[1].Query)

	out, err = run(t, srv, "apikey", "rotate", "k1")
	require.NoError(t, err)
	assert.Equal(t, "key: otf_new\n", out)

	out, err = run(t, srv, "apikey", "revoke", "k1")
	require.NoError(t, err)
	assert.Equal(t, "key k1 revoked\n", out)
}

func TestBandit(t *testing.T) {
	srv, _ := fakeAdmin(t, map[string]string{
		"GET /admin/v1/bandit/u1": `{"user_id":"u1","stats":[
			{"model_name":"m1","domain_label":"math","count":4,"cumulative_reward":2,"average_reward":0.5,"std_error":0.25},
			{"model_name":"m2","domain_label":"math","count":1,"cumulative_reward":1,"average_reward":1,"std_error":null}]}`,
	})
	out, err := run(t, srv, "bandit", "u1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "0.500")
	assert.Contains(t, lines[1], "0.250")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))
}

func TestUsage(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"GET /admin/v1/usage": `{"usage":[{"user_id":"u1","mode":"auto","model_name":"m1","domain":"math","total_tokens":42,"latency_ms":120,"cost":0.0012,"timestamp":"2026-01-02T03:04:05Z"}]}`,
	})
	out, err := run(t, srv, "usage", "--user", "u1", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "$0.001200")
	assert.Equal(t, "limit=5&user_id=u1", reqs()[0].Query)
}

func TestFeedbackAndRouting(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"POST /admin/v1/feedback":      `{"models_updated":7}`,
		"GET /admin/v1/routing-config": `{"epsilon":0.1,"top_k":3}`,
		"PUT /admin/v1/routing-config": `{"epsilon":0.05,"top_k":3}`,
	})
	out, err := run(t, srv, "feedback")
	require.NoError(t, err)
	assert.Equal(t, "models updated: 7\n", out)

	out, err = run(t, srv, "routing", "get")
	require.NoError(t, err)
	assert.Contains(t, out, `"epsilon": 0.1`)

	out, err = run(t, srv, "routing", "set", `{"epsilon":0.05}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"epsilon": 0.05`)
	assert.Equal(t, http.MethodPut, reqs()[2].Method)
	assert.Equal(t, 0.05, reqs()[2].Body["epsilon"])
}

func TestAdminTokenRotate(t *testing.T) {
	srv, _ := fakeAdmin(t, map[string]string{
		"POST /admin/v1/admin-token/rotate": `{"token":"fresh"}`,
	})
	out, err := run(t, srv, "admin-token", "rotate")
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", out)
}

func TestEventsStream(t *testing.T) {
	srv, _ := fakeAdmin(t, map[string]string{
		"GET /admin/v1/events": "event: connected\ndata: {\"status\":\"ok\"}\n\n" +
			fmt.Sprintf("event: route\ndata: %s\n\n", `{"type":"route","model":"m1"}`),
	})
	out, err := run(t, srv, "events")
	require.NoError(t, err)
	assert.Equal(t, "{\"status\":\"ok\"}\n{\"type\":\"route\",\"model\":\"m1\"}\n", out)
}

func TestHealth(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"GET /healthz": `{"status":"ok","providers":2}`,
	})
	out, err := run(t, srv, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
	assert.Equal(t, "/healthz", reqs()[0].Path)
}

func TestEnvDefaults(t *testing.T) {
	srv, reqs := fakeAdmin(t, map[string]string{
		"POST /admin/v1/feedback": `{"models_updated":0}`,
	})
	t.Setenv("OTTERFLOW_URL", srv.URL+"/")
	t.Setenv("OTTERFLOW_ADMIN_TOKEN", "from-env")
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"feedback"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "Bearer from-env", reqs()[0].Auth)
	assert.Equal(t, "/admin/v1/feedback", reqs()[0].Path)
}
