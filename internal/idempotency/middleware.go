package idempotency

import (
	"bytes"
	"net/http"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotency-Replay"
)

// ScopeFunc namespaces keys, typically by caller, so one caller can never
// replay another's response.
type ScopeFunc func(r *http.Request) string

// Middleware replays the stored response when a request repeats an
// Idempotency-Key within the cache TTL, marking it Idempotency-Replay: true.
// Only 2xx responses are stored, so failed requests can be retried with the
// same key. A repeat that arrives while the first request is still running
// gets 409. Requests without the header pass through.
func Middleware(cache *Cache, scope ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if scope != nil {
				key = scope(r) + "\x00" + key
			}

			cached, claimed := cache.Begin(key)
			if cached != nil {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Response)
				return
			}
			if !claimed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":"a request with this Idempotency-Key is in progress"}`))
				return
			}
			defer cache.End(key)

			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode >= 300 {
				return
			}
			hdrs := make(map[string]string)
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdrs[k] = v[0]
				}
			}
			cache.Set(key, rec.body.Bytes(), rec.statusCode, hdrs)
		})
	}
}

// responseRecorder tees the response body and status while writing through.
type responseRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.written = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
