// Package logging configures the process-wide slog logger. Every record
// passes through RedactingHandler so credentials and user prompt text
// never reach the log sink.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redacted = "[REDACTED]"

// secretKeys are attribute keys whose value is dropped entirely.
var secretKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-admin-token":       true,
	"cookie":              true,
	"set-cookie":          true,
	"api_key":             true,
	"apikey":              true,
	"admin_token":         true,
	"password":            true,
	"secret":              true,
}

// contentKeys carry user or model text. Only their length is logged.
var contentKeys = map[string]bool{
	"query":    true,
	"prompt":   true,
	"output":   true,
	"response": true,
	"body":     true,
	"req_body": true,
}

var globalLevel = new(slog.LevelVar)

// Setup installs a JSON logger on stdout as the slog default.
func Setup(level string) *slog.Logger {
	return setup(os.Stdout, level)
}

func setup(w io.Writer, level string) *slog.Logger {
	SetLevel(level)
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(NewRedactingHandler(base))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level at runtime. Unknown values mean info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// Level reports the current global level.
func Level() slog.Level {
	return globalLevel.Level()
}

// RedactingHandler wraps an slog.Handler to redact sensitive attribute values.
type RedactingHandler struct {
	base slog.Handler
}

func NewRedactingHandler(base slog.Handler) *RedactingHandler {
	return &RedactingHandler{base: base}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, redactAttr(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, 0, len(group))
		for _, g := range group {
			clean = append(clean, redactAttr(g))
		}
		return slog.Group(a.Key, clean...)
	}

	key := strings.ToLower(a.Key)
	switch {
	case secretKeys[key], strings.HasSuffix(key, "_secret"), strings.HasSuffix(key, "_password"):
		return slog.String(a.Key, redacted)
	case strings.HasSuffix(key, "api_key") && !strings.HasSuffix(key, "_id"):
		return slog.String(a.Key, redacted)
	case contentKeys[key]:
		return slog.String(a.Key, fmt.Sprintf("[REDACTED len=%d]", len(a.Value.String())))
	}
	return a
}

// RequestLogger returns chi middleware that logs one line per request.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
