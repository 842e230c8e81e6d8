package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const adminTokenFile = ".admin-token"

// AdminTokenHolder guards the single admin Bearer token. The token is
// persisted next to the SQLite database so it survives restarts.
type AdminTokenHolder struct {
	mu    sync.RWMutex
	token string
	dbDSN string
}

// NewAdminTokenHolder resolves the initial token in this order: the
// configured value, a token persisted by a previous run, a fresh random one.
func NewAdminTokenHolder(configToken, dbDSN string, logger *slog.Logger) (*AdminTokenHolder, error) {
	h := &AdminTokenHolder{dbDSN: dbDSN, token: configToken}
	if h.token == "" {
		h.token = h.readPersisted()
	}
	if h.token == "" {
		t, err := randomToken()
		if err != nil {
			return nil, err
		}
		h.token = t
		logger.Warn("OTTERFLOW_ADMIN_TOKEN not set; generated one", slog.String("file", h.tokenPath()))
	}
	h.persist(logger)
	return h, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Equal compares provided against the current token in constant time.
func (h *AdminTokenHolder) Equal(provided string) bool {
	current := h.Get()
	return current != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Rotate replaces the token with a fresh random one and returns it.
func (h *AdminTokenHolder) Rotate(logger *slog.Logger) (string, error) {
	t, err := randomToken()
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.token = t
	h.mu.Unlock()
	h.persist(logger)
	return t, nil
}

// dataDir is the directory of the database file, or "" for in-memory DSNs.
func (h *AdminTokenHolder) dataDir() string {
	dsn := strings.TrimPrefix(h.dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func (h *AdminTokenHolder) tokenPath() string {
	dir := h.dataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, adminTokenFile)
}

func (h *AdminTokenHolder) readPersisted() string {
	path := h.tokenPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist(logger *slog.Logger) {
	path := h.tokenPath()
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(h.Get()+"\n"), 0600); err != nil {
		logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}

// adminAuthMiddleware admits requests bearing the current admin token. A
// nil holder rejects everything.
func adminAuthMiddleware(h *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || h == nil || !h.Equal(token) {
				slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("ip", r.RemoteAddr))
				jsonError(w, "admin token required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
