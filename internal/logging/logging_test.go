package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(NewRedactingHandler(slog.NewJSONHandler(&buf, nil))), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v\n%s", err, buf.String())
	}
	return entry
}

func TestRedactsSecrets(t *testing.T) {
	logger, buf := newBufferLogger()
	logger.Info("test",
		slog.String("authorization", "Bearer otf_secret"),
		slog.String("x-api-key", "sk-live"),
		slog.String("openai_api_key", "sk-openai"),
		slog.String("admin_token", "hunter2"),
		slog.String("api_key_id", "key-123"),
		slog.Int("prompt_tokens", 42),
		slog.String("model", "gpt-4o"),
	)

	out := buf.String()
	for _, leaked := range []string{"otf_secret", "sk-live", "sk-openai", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Errorf("secret %q leaked: %s", leaked, out)
		}
	}
	entry := decodeLine(t, buf)
	if entry["api_key_id"] != "key-123" {
		t.Errorf("api_key_id should be kept, got %v", entry["api_key_id"])
	}
	if entry["prompt_tokens"] != float64(42) {
		t.Errorf("prompt_tokens should be kept, got %v", entry["prompt_tokens"])
	}
	if entry["model"] != "gpt-4o" {
		t.Errorf("model should be kept, got %v", entry["model"])
	}
}

func TestRedactsContentToLength(t *testing.T) {
	logger, buf := newBufferLogger()
	logger.Info("routed", slog.String("query", "what is my password"), slog.String("output", "ok"))

	entry := decodeLine(t, buf)
	if entry["query"] != "[REDACTED len=19]" {
		t.Errorf("query = %v", entry["query"])
	}
	if entry["output"] != "[REDACTED len=2]" {
		t.Errorf("output = %v", entry["output"])
	}
}

func TestRedactsGroupsAndWithAttrs(t *testing.T) {
	logger, buf := newBufferLogger()
	logger = logger.With(slog.String("x-admin-token", "root"))
	logger.Info("test", slog.Group("req", slog.String("authorization", "Bearer abc"), slog.String("path", "/v1/wallet")))

	out := buf.String()
	if strings.Contains(out, "root") || strings.Contains(out, "Bearer abc") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "/v1/wallet") {
		t.Errorf("non-sensitive group value dropped: %s", out)
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		SetLevel(tt.in)
		if got := Level(); got != tt.want {
			t.Errorf("SetLevel(%q): level = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	defer SetLevel("info")
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := setup(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record should be written")
	}
}

func TestRequestLogger(t *testing.T) {
	logger, buf := newBufferLogger()
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream failed"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"query":"secret"}`))
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("Authorization", "Bearer otf_abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLine(t, buf)
	if entry["msg"] != "http_request" || entry["level"] != "WARN" {
		t.Errorf("unexpected entry %v", entry)
	}
	if entry["method"] != "POST" || entry["path"] != "/v1/chat/completions" {
		t.Errorf("unexpected method/path %v %v", entry["method"], entry["path"])
	}
	if entry["status"] != float64(http.StatusBadGateway) || entry["request_id"] != "req-1" {
		t.Errorf("unexpected status/request_id %v %v", entry["status"], entry["request_id"])
	}
	if strings.Contains(buf.String(), "otf_abc") || strings.Contains(buf.String(), "secret") {
		t.Errorf("request logger leaked sensitive data: %s", buf.String())
	}
}
