package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the otterflow collectors on a private registry.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	DispatchAttempts *prometheus.CounterVec
	SelectionsTotal  *prometheus.CounterVec
	RewardsTotal     *prometheus.CounterVec
	DomainsTotal     *prometheus.CounterVec
	WalletRefusals   *prometheus.CounterVec
	FeedbackRuns     *prometheus.CounterVec
	RateLimited      prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_requests_total",
			Help: "Routing requests by mode, final model, provider and status",
		}, []string{"mode", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otterflow_request_latency_ms",
			Help:    "Provider latency of routed requests in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		}, []string{"mode", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_cost_usd_total",
			Help: "USD charged to wallets, markup included",
		}, []string{"model", "provider"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_dispatch_attempts_total",
			Help: "Provider dispatch attempts by outcome",
		}, []string{"provider", "model", "outcome"}),
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_bandit_selections_total",
			Help: "Bandit selections by policy branch",
		}, []string{"selection_mode"}),
		RewardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_bandit_rewards_total",
			Help: "Bandit reward writes by reason",
		}, []string{"reason"}),
		DomainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_domain_labels_total",
			Help: "Domain classifier labels",
		}, []string{"domain"}),
		WalletRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_wallet_refusals_total",
			Help: "Requests refused for insufficient funds by stage",
		}, []string{"stage"}),
		FeedbackRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otterflow_feedback_runs_total",
			Help: "Catalog feedback recompute runs by status",
		}, []string{"status"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otterflow_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.DispatchAttempts,
		m.SelectionsTotal, m.RewardsTotal, m.DomainsTotal, m.WalletRefusals, m.FeedbackRuns,
		m.RateLimited)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
