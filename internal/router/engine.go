package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/metrics"
	"github.com/otterflow/otterflow/internal/store"
)

// CatalogStore is read-only catalog access. It is queried on every request.
type CatalogStore interface {
	ListModels(ctx context.Context) ([]store.ModelRecord, error)
	GetModel(ctx context.Context, name string) (*store.ModelRecord, error)
}

// UsageStore records completed requests and returns the previous one.
type UsageStore interface {
	LastUsage(ctx context.Context, userID string) (*store.UsageLog, error)
	AppendUsage(ctx context.Context, entry store.UsageLog) error
}

// Wallet checks and charges a user's balance.
type Wallet interface {
	Require(ctx context.Context, userID string, min float64) error
	Settle(ctx context.Context, userID string, amount float64) error
}

// Classifier labels a query with a domain, charging the user for the call.
// Only ErrInsufficientFunds is expected as an error; other failures are
// reported as the fallback label.
type Classifier interface {
	Classify(ctx context.Context, userID, query string) (string, error)
}

type EngineConfig struct {
	TopK             int
	MaxAttempts      int
	RequeryThreshold float64
	Markup           float64
	MinBalance       float64
}

// EngineDeps are the collaborators the engine calls into. Metrics and Bus
// are optional.
type EngineDeps struct {
	Catalog    CatalogStore
	Usage      UsageStore
	Wallet     Wallet
	Classifier Classifier
	Bandit     *Bandit
	Dispatcher *Dispatcher
	Tokenizer  Tokenizer
	Metrics    *metrics.Registry
	Bus        *events.Bus
}

// Engine runs one routing request end to end. It holds no per-request or
// per-user state; everything a request needs is passed or re-read.
type Engine struct {
	mu  sync.RWMutex
	cfg EngineConfig

	deps EngineDeps
}

func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	return &Engine{cfg: withDefaults(cfg), deps: deps}
}

// MaxAttemptsLimit bounds MaxAttempts. The server's write timeout is sized
// from it.
const MaxAttemptsLimit = 10

func withDefaults(cfg EngineConfig) EngineConfig {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxAttempts > MaxAttemptsLimit {
		cfg.MaxAttempts = MaxAttemptsLimit
	}
	if cfg.RequeryThreshold <= 0 {
		cfg.RequeryThreshold = 0.7
	}
	if cfg.Markup <= 0 {
		cfg.Markup = DefaultMarkup
	}
	return cfg
}

// UpdateConfig swaps the routing knobs at runtime.
func (e *Engine) UpdateConfig(cfg EngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = withDefaults(cfg)
}

// Config returns the current routing knobs.
func (e *Engine) Config() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.deps.Dispatcher }

// Route classifies, corrects prior rewards, selects, dispatches with
// fallback, settles cost and logs usage. Steps are sent to emit in fixed
// order; on error no further steps are sent.
func (e *Engine) Route(ctx context.Context, req RoutingRequest, emit events.Emitter) (Outcome, error) {
	if emit == nil {
		emit = events.Discard
	}
	if req.UserID == "" {
		return Outcome{}, ErrUnauthorized
	}
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	cfg := e.Config()

	out := Outcome{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		Mode:       req.Mode,
		Priorities: req.Priorities,
		Weights:    req.Priorities.Weights(),
	}

	if err := e.deps.Wallet.Require(ctx, req.UserID, cfg.MinBalance); err != nil {
		e.refused("precheck", err)
		return out, err
	}

	domain, err := e.deps.Classifier.Classify(ctx, req.UserID, req.Query)
	if err != nil {
		e.refused("classifier", err)
		return out, err
	}
	out.Domain = domain
	if e.deps.Metrics != nil {
		e.deps.Metrics.DomainsTotal.WithLabelValues(domain).Inc()
	}

	prev, err := e.deps.Usage.LastUsage(ctx, req.UserID)
	if err != nil {
		slog.Warn("engine: previous usage unavailable", slog.String("user_id", req.UserID), slog.String("error", err.Error()))
		prev = nil
	}
	for _, c := range PriorCorrections(prev, req, domain, cfg.RequeryThreshold) {
		e.applyReward(ctx, req, c)
	}

	emit(events.Step{Step: events.StepSelectionMode, Mode: string(req.Mode)})

	var candidates, order []ScoredCandidate
	switch req.Mode {
	case ModeManual:
		m, err := e.deps.Catalog.GetModel(ctx, req.Model)
		if err != nil {
			return out, fmt.Errorf("load model %s: %w", req.Model, err)
		}
		if m == nil {
			return out, fmt.Errorf("%w: %s", ErrModelNotFound, req.Model)
		}
		candidates = []ScoredCandidate{CandidateFromModel(*m)}
		order = candidates
		out.SelectionMode = SelectManual
	case ModeAuto:
		catalog, err := e.deps.Catalog.ListModels(ctx)
		if err != nil {
			return out, fmt.Errorf("load catalog: %w", err)
		}
		candidates = Rank(catalog, req.Constraints, out.Weights, cfg.TopK)
		if len(candidates) == 0 {
			return out, ErrNoEligibleModels
		}
		sel, err := e.deps.Bandit.Select(ctx, req.UserID, candidates, domain)
		if err != nil {
			return out, err
		}
		out.BanditChoice = sel.Candidate.Name
		out.SelectionMode = sel.Mode
		order = fallbackOrder(candidates, sel.Index)
		if e.deps.Metrics != nil {
			e.deps.Metrics.SelectionsTotal.WithLabelValues(string(sel.Mode)).Inc()
		}
		slog.Info("engine: candidate selected",
			slog.String("request_id", req.RequestID),
			slog.String("model", sel.Candidate.Name),
			slog.String("selection_mode", string(sel.Mode)),
			slog.String("domain", domain))
	default:
		return out, fmt.Errorf("unknown mode %q", req.Mode)
	}
	out.Candidates = candidates
	emit(events.Step{Step: events.StepTopCandidates, SelectionMode: string(out.SelectionMode), Models: stepModels(candidates)})

	start := time.Now()
	res, err := RouteWithFallback(ctx, e.deps.Dispatcher, req.Query, order, cfg.MaxAttempts)
	out.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	out.Attempts = len(res.Attempts)
	e.recordAttempts(res.Attempts)
	if err != nil {
		e.publishFailure(out, err)
		return out, err
	}

	final := res.Final
	out.Model = final.Candidate.Name
	out.Provider = final.Completion.Provider
	out.Output = final.Completion.Text
	out.CompletionTokens = final.Completion.CompletionTokens
	out.TotalTokens = final.Completion.TotalTokens
	out.PromptTokens = final.Completion.PromptTokens
	if out.PromptTokens == 0 && out.TotalTokens > out.CompletionTokens {
		out.PromptTokens = out.TotalTokens - out.CompletionTokens
	}

	charge := ComputeCharge(e.deps.Tokenizer, final.Candidate, req.Query, out.Output, cfg.Markup)
	if err := e.deps.Wallet.Settle(ctx, req.UserID, charge.Total); err != nil {
		e.refused("settlement", err)
		e.publishFailure(out, err)
		return out, err
	}
	out.Cost = charge.Total

	emit(events.Step{Step: events.StepCostAndLatency, Metrics: &events.StepMetrics{
		Cost:             out.Cost,
		LatencyMs:        out.LatencyMs,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		TotalTokens:      out.TotalTokens,
		Attempts:         out.Attempts,
	}})

	if req.Mode == ModeAuto {
		e.applyReward(ctx, req, OutcomeCorrection(out.BanditChoice, out.Model, domain))
	}
	e.logUsage(ctx, req, out)
	e.publishSuccess(out)

	emit(events.Step{FinalResponse: out.Output, ModelUsed: out.Model, Domain: out.Domain})
	emit(events.Step{Step: events.StepEnd})
	return out, nil
}

// fallbackOrder puts the chosen candidate first, then the rest in rank order.
func fallbackOrder(candidates []ScoredCandidate, chosen int) []ScoredCandidate {
	order := make([]ScoredCandidate, 0, len(candidates))
	order = append(order, candidates[chosen])
	for i, c := range candidates {
		if i != chosen {
			order = append(order, c)
		}
	}
	return order
}

func stepModels(cs []ScoredCandidate) []events.StepModel {
	out := make([]events.StepModel, len(cs))
	for i, c := range cs {
		out[i] = events.StepModel{Name: c.Name, License: c.License, FinalScore: c.FinalScore}
	}
	return out
}

// applyReward writes one reward. Failures are logged; the request goes on.
func (e *Engine) applyReward(ctx context.Context, req RoutingRequest, c Correction) {
	if err := e.deps.Bandit.UpdateReward(ctx, req.UserID, c.Model, c.Domain, c.Reward); err != nil {
		slog.Warn("engine: reward write failed",
			slog.String("user_id", req.UserID),
			slog.String("model", c.Model),
			slog.String("reason", c.Reason),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("engine: reward applied",
		slog.String("request_id", req.RequestID),
		slog.String("model", c.Model),
		slog.String("domain", c.Domain),
		slog.Float64("reward", c.Reward),
		slog.String("reason", c.Reason))
	if e.deps.Metrics != nil {
		e.deps.Metrics.RewardsTotal.WithLabelValues(c.Reason).Inc()
	}
	e.deps.Bus.Publish(events.Event{
		Type:      events.EventRewardApplied,
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Model:     c.Model,
		Domain:    c.Domain,
		Reward:    c.Reward,
		Reason:    c.Reason,
	})
}

func (e *Engine) logUsage(ctx context.Context, req RoutingRequest, out Outcome) {
	err := e.deps.Usage.AppendUsage(ctx, store.UsageLog{
		RequestID:        req.RequestID,
		UserID:           req.UserID,
		Mode:             string(req.Mode),
		Query:            req.Query,
		Output:           out.Output,
		ModelName:        out.Model,
		Provider:         out.Provider,
		Domain:           out.Domain,
		BanditChoice:     out.BanditChoice,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		TotalTokens:      out.TotalTokens,
		LatencyMs:        out.LatencyMs,
		Cost:             out.Cost,
		CostPriority:     req.Priorities.Cost,
		AccuracyPriority: req.Priorities.Accuracy,
		LatencyPriority:  req.Priorities.Latency,
	})
	if err != nil {
		slog.Warn("engine: usage log write failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) recordAttempts(atts []Attempt) {
	if e.deps.Metrics == nil {
		return
	}
	for _, a := range atts {
		outcome := "ok"
		if !a.OK() {
			outcome = "error"
		}
		e.deps.Metrics.DispatchAttempts.WithLabelValues(a.Candidate.License, a.Candidate.Name, outcome).Inc()
	}
}

func (e *Engine) refused(stage string, err error) {
	if e.deps.Metrics != nil && errors.Is(err, ErrInsufficientFunds) {
		e.deps.Metrics.WalletRefusals.WithLabelValues(stage).Inc()
	}
}

func (e *Engine) publishSuccess(out Outcome) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.RequestsTotal.WithLabelValues(string(out.Mode), out.Model, out.Provider, "ok").Inc()
		e.deps.Metrics.RequestLatency.WithLabelValues(string(out.Mode), out.Model, out.Provider).Observe(out.LatencyMs)
		e.deps.Metrics.CostUSD.WithLabelValues(out.Model, out.Provider).Add(out.Cost)
	}
	e.deps.Bus.Publish(events.Event{
		Type:          events.EventRouteSuccess,
		RequestID:     out.RequestID,
		UserID:        out.UserID,
		Model:         out.Model,
		Provider:      out.Provider,
		Domain:        out.Domain,
		SelectionMode: string(out.SelectionMode),
		Attempts:      out.Attempts,
		LatencyMs:     out.LatencyMs,
		CostUSD:       out.Cost,
	})
}

func (e *Engine) publishFailure(out Outcome, err error) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.RequestsTotal.WithLabelValues(string(out.Mode), out.Model, out.Provider, "error").Inc()
	}
	slog.Warn("engine: request failed",
		slog.String("request_id", out.RequestID),
		slog.Int("attempts", out.Attempts),
		slog.String("error", err.Error()))
	e.deps.Bus.Publish(events.Event{
		Type:          events.EventRouteError,
		RequestID:     out.RequestID,
		UserID:        out.UserID,
		Model:         out.Model,
		Domain:        out.Domain,
		SelectionMode: string(out.SelectionMode),
		Attempts:      out.Attempts,
		ErrorMsg:      err.Error(),
	})
}
