package httpapi

import (
	"net/http"

	"github.com/otterflow/otterflow/internal/apikey"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/store"
)

func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Store.ListModels(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if models == nil {
			models = []store.ModelRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	}
}

func WalletHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeBalance(w, r, d, apikey.UserID(r.Context()))
	}
}

func writeBalance(w http.ResponseWriter, r *http.Request, d Dependencies, userID string) {
	bal, err := d.Wallet.Balance(r.Context(), userID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": bal})
}

func UsageSummaryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := d.Store.SummarizeUsage(r.Context(), apikey.UserID(r.Context()))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// banditView is a stored triple plus its derived statistics. StdError is
// nil until two observations exist.
type banditView struct {
	store.BanditStat
	AverageReward float64  `json:"average_reward"`
	StdError      *float64 `json:"std_error"`
}

func banditViews(stats []store.BanditStat) []banditView {
	out := make([]banditView, 0, len(stats))
	for _, s := range stats {
		v := banditView{BanditStat: s, AverageReward: router.AverageReward(&s)}
		if se, ok := router.StandardError(&s); ok {
			v.StdError = &se
		}
		out = append(out, v)
	}
	return out
}

func writeBandit(w http.ResponseWriter, r *http.Request, d Dependencies, userID string) {
	stats, err := d.Store.ListBanditStats(r.Context(), userID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "stats": banditViews(stats)})
}

func BanditHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeBandit(w, r, d, apikey.UserID(r.Context()))
	}
}
