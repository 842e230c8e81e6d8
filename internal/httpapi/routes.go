// Package httpapi is the chi HTTP surface of otterflow: the keyed /v1
// routing API and the admin-token protected /admin/v1 API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/otterflow/otterflow/internal/apikey"
	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/health"
	"github.com/otterflow/otterflow/internal/metrics"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/store"
	"github.com/otterflow/otterflow/internal/wallet"
)

// FeedbackFunc recomputes the derived catalog fields and reports how many
// models changed.
type FeedbackFunc func(ctx context.Context) (int, error)

type Dependencies struct {
	Engine  *router.Engine
	Bandit  *router.Bandit
	Store   store.Store
	Wallet  *wallet.Ledger
	Keys    *apikey.Manager
	Admin   *AdminTokenHolder
	Metrics *metrics.Registry
	Bus     *events.Bus

	// Health is optional; without it /admin/v1/providers lists registered
	// tags with no dispatch history.
	Health *health.Tracker

	// Feedback is nil when no feedback job is configured.
	Feedback FeedbackFunc

	// RateLimit, when set, runs after API key auth on /v1.
	RateLimit func(http.Handler) http.Handler

	// Idempotency, when set, wraps POST /v1/chat/completions.
	Idempotency func(http.Handler) http.Handler
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"providers": len(d.Engine.Dispatcher().Providers()),
		})
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(apikey.AuthMiddleware(d.Keys))
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}
		if d.Idempotency != nil {
			r.With(d.Idempotency).Post("/chat/completions", ChatHandler(d))
		} else {
			r.Post("/chat/completions", ChatHandler(d))
		}
		r.Post("/chat/stream", ChatStreamHandler(d))
		r.Get("/models", ModelsListHandler(d))
		r.Get("/wallet", WalletHandler(d))
		r.Get("/usage/summary", UsageSummaryHandler(d))
		r.Get("/bandit", BanditHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(adminAuthMiddleware(d.Admin))

		r.Get("/models", ModelsListHandler(d))
		r.Post("/models", ModelsUpsertHandler(d))
		r.Delete("/models/{name}", ModelsDeleteHandler(d))

		r.Get("/wallets/{user}", AdminWalletHandler(d))
		r.Post("/wallets/{user}/credit", WalletCreditHandler(d))

		r.Get("/apikeys", APIKeysListHandler(d))
		r.Post("/apikeys", APIKeysIssueHandler(d))
		r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
		r.Delete("/apikeys/{id}", APIKeysRevokeHandler(d))

		r.Get("/providers", ProvidersHandler(d))
		r.Get("/bandit/{user}", AdminBanditHandler(d))
		r.Get("/usage", UsageListHandler(d))
		r.Post("/feedback", FeedbackHandler(d))

		r.Get("/routing-config", RoutingConfigGetHandler(d))
		r.Put("/routing-config", RoutingConfigSetHandler(d))
		r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))

		if d.Bus != nil {
			r.Get("/events", SSEHandler(d.Bus))
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
