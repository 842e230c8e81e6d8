package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otterflow/otterflow/internal/apikey"
	"github.com/otterflow/otterflow/internal/catalog"
	"github.com/otterflow/otterflow/internal/health"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/store"
)

// modelBody lets upserts omit temperature and still get the catalog default.
type modelBody struct {
	store.ModelRecord
	Temperature *float64 `json:"temperature"`
}

func ModelsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body modelBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		m := body.ModelRecord
		m.Temperature = catalog.DefaultTemperature
		if body.Temperature != nil {
			m.Temperature = *body.Temperature
		}
		if err := catalog.Validate(m); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Store.UpsertModel(r.Context(), m); err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		slog.Info("admin: model upserted", slog.String("model", m.Name), slog.String("provider", m.License))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": m.Name})
	}
}

func ModelsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		existing, err := d.Store.GetModel(r.Context(), name)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if existing == nil {
			jsonError(w, "model not found", http.StatusNotFound)
			return
		}
		if err := d.Store.DeleteModel(r.Context(), name); err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		slog.Info("admin: model deleted", slog.String("model", name))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func AdminWalletHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeBalance(w, r, d, chi.URLParam(r, "user"))
	}
}

func WalletCreditHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")
		var body struct {
			Amount float64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if body.Amount <= 0 {
			jsonError(w, "amount must be > 0", http.StatusBadRequest)
			return
		}
		bal, err := d.Wallet.Credit(r.Context(), user, body.Amount)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "balance": bal})
	}
}

func APIKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := d.Store.ListAPIKeys(r.Context())
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if user := r.URL.Query().Get("user_id"); user != "" {
			filtered := keys[:0]
			for _, k := range keys {
				if k.UserID == user {
					filtered = append(filtered, k)
				}
			}
			keys = filtered
		}
		if keys == nil {
			keys = []store.APIKeyRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

func APIKeysIssueHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID        string `json:"user_id"`
			Name          string `json:"name"`
			ExpiresInDays int    `json:"expires_in_days,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.UserID) == "" {
			jsonError(w, "user_id is required", http.StatusBadRequest)
			return
		}
		if body.ExpiresInDays < 0 {
			jsonError(w, "expires_in_days must be >= 0", http.StatusBadRequest)
			return
		}
		var expires *time.Time
		if body.ExpiresInDays > 0 {
			t := time.Now().UTC().Add(time.Duration(body.ExpiresInDays) * 24 * time.Hour).Truncate(time.Second)
			expires = &t
		}
		plaintext, rec, err := d.Keys.Issue(r.Context(), body.UserID, body.Name, expires)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": rec})
	}
}

func APIKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plaintext, err := d.Keys.Rotate(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, apikey.ErrNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": plaintext})
	}
}

func APIKeysRevokeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := d.Keys.Revoke(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, apikey.ErrNotFound) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func AdminBanditHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeBandit(w, r, d, chi.URLParam(r, "user"))
	}
}

// ProvidersHandler reports dispatch health for every registered provider.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		known := d.Engine.Dispatcher().Providers()
		out := make([]health.Stats, 0, len(known))
		if d.Health != nil {
			out = d.Health.Snapshot(known)
		} else {
			sort.Strings(known)
			for _, id := range known {
				out = append(out, health.Stats{Provider: id, State: health.StateHealthy})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": out})
	}
}

func intParam(r *http.Request, name string, def, min int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	return n
}

func UsageListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := intParam(r, "limit", 100, 1)
		offset := intParam(r, "offset", 0, 0)
		logs, err := d.Store.ListUsage(r.Context(), r.URL.Query().Get("user_id"), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []store.UsageLog{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"usage": logs})
	}
}

func FeedbackHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Feedback == nil {
			jsonError(w, "feedback job not configured", http.StatusServiceUnavailable)
			return
		}
		n, err := d.Feedback(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models_updated": n})
	}
}

// routingConfig is the admin view of the runtime routing knobs. On PUT,
// omitted fields keep their current value.
type routingConfig struct {
	TopK             *int     `json:"top_k"`
	MaxAttempts      *int     `json:"max_attempts"`
	RequeryThreshold *float64 `json:"requery_threshold"`
	Markup           *float64 `json:"markup"`
	MinBalance       *float64 `json:"min_balance"`
	Epsilon          *float64 `json:"epsilon"`
	StdErrThreshold  *float64 `json:"std_err_threshold"`
}

func currentRoutingConfig(d Dependencies) routingConfig {
	ec := d.Engine.Config()
	bc := d.Bandit.Config()
	return routingConfig{
		TopK:             &ec.TopK,
		MaxAttempts:      &ec.MaxAttempts,
		RequeryThreshold: &ec.RequeryThreshold,
		Markup:           &ec.Markup,
		MinBalance:       &ec.MinBalance,
		Epsilon:          &bc.Epsilon,
		StdErrThreshold:  &bc.StdErrThreshold,
	}
}

func (c routingConfig) validate() error {
	switch {
	case c.TopK != nil && *c.TopK <= 0:
		return errors.New("top_k must be > 0")
	case c.MaxAttempts != nil && (*c.MaxAttempts <= 0 || *c.MaxAttempts > router.MaxAttemptsLimit):
		return fmt.Errorf("max_attempts must be in [1,%d]", router.MaxAttemptsLimit)
	case c.RequeryThreshold != nil && (*c.RequeryThreshold <= 0 || *c.RequeryThreshold > 1):
		return errors.New("requery_threshold must be in (0,1]")
	case c.Markup != nil && *c.Markup <= 0:
		return errors.New("markup must be > 0")
	case c.MinBalance != nil && *c.MinBalance < 0:
		return errors.New("min_balance must be >= 0")
	case c.Epsilon != nil && (*c.Epsilon < 0 || *c.Epsilon > 1):
		return errors.New("epsilon must be in [0,1]")
	case c.StdErrThreshold != nil && *c.StdErrThreshold <= 0:
		return errors.New("std_err_threshold must be > 0")
	}
	return nil
}

func RoutingConfigGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, currentRoutingConfig(d))
	}
}

func RoutingConfigSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in routingConfig
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := in.validate(); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		ec := d.Engine.Config()
		setInt(&ec.TopK, in.TopK)
		setInt(&ec.MaxAttempts, in.MaxAttempts)
		setFloat(&ec.RequeryThreshold, in.RequeryThreshold)
		setFloat(&ec.Markup, in.Markup)
		setFloat(&ec.MinBalance, in.MinBalance)
		d.Engine.UpdateConfig(ec)

		bc := d.Bandit.Config()
		setFloat(&bc.Epsilon, in.Epsilon)
		setFloat(&bc.StdErrThreshold, in.StdErrThreshold)
		d.Bandit.UpdateConfig(bc)

		slog.Info("admin: routing config updated")
		writeJSON(w, http.StatusOK, currentRoutingConfig(d))
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := d.Admin.Rotate(slog.Default())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
	}
}
