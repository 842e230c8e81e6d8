package apikey

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/otterflow/otterflow/internal/store"
)

type contextKey struct{}

// FromContext returns the key record attached by AuthMiddleware.
func FromContext(ctx context.Context) (store.APIKeyRecord, bool) {
	rec, ok := ctx.Value(contextKey{}).(store.APIKeyRecord)
	return rec, ok
}

// UserID returns the authenticated user, or "" when the request carried no
// valid key.
func UserID(ctx context.Context) string {
	rec, _ := FromContext(ctx)
	return rec.UserID
}

// WithRecord attaches rec to ctx as AuthMiddleware does.
func WithRecord(ctx context.Context, rec store.APIKeyRecord) context.Context {
	return context.WithValue(ctx, contextKey{}, rec)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="otterflow"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AuthMiddleware validates Bearer keys and rejects anything else with 401.
func AuthMiddleware(mgr *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				slog.Warn("apikey: missing bearer token", slog.String("path", r.URL.Path), slog.String("ip", r.RemoteAddr))
				unauthorized(w, "authorization required")
				return
			}

			rec, err := mgr.Validate(r.Context(), token)
			if err != nil {
				slog.Warn("apikey: validation failed", slog.String("path", r.URL.Path), slog.String("ip", r.RemoteAddr), slog.String("error", err.Error()))
				unauthorized(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRecord(r.Context(), rec)))
		})
	}
}
