// Package feedback recomputes the derived catalog fields from observed
// usage: io_ratio, normalized cost and normalized latency. Performance is
// left as seeded.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/metrics"
	"github.com/otterflow/otterflow/internal/store"
)

// DefaultIORatio is used for models with no recorded input tokens.
const DefaultIORatio = 3.0

// Update holds the recomputed fields for one model. A nil pointer leaves
// the stored value unchanged.
type Update struct {
	Name    string   `json:"name"`
	IORatio float64  `json:"io_ratio"`
	Cost    *float64 `json:"cost,omitempty"`
	Latency *float64 `json:"latency,omitempty"`
}

// Compute derives updates for every catalog model.
//
// io_ratio is Σoutput/Σinput tokens. Cost is min-max normalized
// input_price + io_ratio*output_price over the whole catalog. Latency is
// min-max normalized mean observed latency, and only when at least two
// models have usage; models without usage keep their latency.
func Compute(models []store.ModelRecord, aggs []store.UsageAggregate) []Update {
	byModel := make(map[string]store.UsageAggregate, len(aggs))
	for _, a := range aggs {
		byModel[a.ModelName] = a
	}

	updates := make([]Update, len(models))
	combined := make([]float64, len(models))
	var observed []int
	for i, m := range models {
		ratio := DefaultIORatio
		a, ok := byModel[m.Name]
		if ok && a.InputTokens > 0 {
			ratio = float64(a.OutputTokens) / float64(a.InputTokens)
		}
		updates[i] = Update{Name: m.Name, IORatio: ratio}
		combined[i] = m.InputCostRaw + ratio*m.OutputCostRaw
		if ok && a.Requests > 0 {
			observed = append(observed, i)
		}
	}

	for i, v := range normalize(combined) {
		updates[i].Cost = &v
	}

	if len(observed) >= 2 {
		lat := make([]float64, len(observed))
		for j, i := range observed {
			lat[j] = byModel[models[i].Name].MeanLatencyMs
		}
		for j, v := range normalize(lat) {
			updates[observed[j]].Latency = &v
		}
	}
	return updates
}

// normalize is min-max scaling; a zero range maps everything to 0.
func normalize(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo == 0 {
		return out
	}
	for i, v := range vals {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// Store is the catalog and usage access the recompute needs.
type Store interface {
	ListModels(ctx context.Context) ([]store.ModelRecord, error)
	UpsertModel(ctx context.Context, m store.ModelRecord) error
	AggregateUsageByModel(ctx context.Context) ([]store.UsageAggregate, error)
}

// Apply writes updates onto the current catalog and returns how many models
// were written.
func Apply(ctx context.Context, s Store, updates []Update) (int, error) {
	models, err := s.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list models: %w", err)
	}
	byName := make(map[string]Update, len(updates))
	for _, u := range updates {
		byName[u.Name] = u
	}
	n := 0
	for _, m := range models {
		u, ok := byName[m.Name]
		if !ok {
			continue
		}
		m.IORatio = u.IORatio
		if u.Cost != nil {
			m.Cost = u.Cost
		}
		if u.Latency != nil {
			m.Latency = u.Latency
		}
		if err := s.UpsertModel(ctx, m); err != nil {
			return n, fmt.Errorf("update model %s: %w", m.Name, err)
		}
		n++
	}
	return n, nil
}

// Runner runs the recompute on demand and on an interval.
type Runner struct {
	store    Store
	interval time.Duration
	metrics  *metrics.Registry
	bus      *events.Bus

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewRunner(s Store, interval time.Duration, m *metrics.Registry, bus *events.Bus) *Runner {
	return &Runner{store: s, interval: interval, metrics: m, bus: bus}
}

// RunOnce computes and applies one recompute pass.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.runLocked(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		slog.Warn("feedback: recompute failed", slog.String("error", err.Error()))
	} else {
		slog.Info("feedback: recompute applied", slog.Int("models_updated", n))
		r.bus.Publish(events.Event{Type: events.EventFeedbackApplied, ModelsUpdated: n})
	}
	if r.metrics != nil {
		r.metrics.FeedbackRuns.WithLabelValues(status).Inc()
	}
	return n, err
}

func (r *Runner) runLocked(ctx context.Context) (int, error) {
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list models: %w", err)
	}
	aggs, err := r.store.AggregateUsageByModel(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate usage: %w", err)
	}
	return Apply(ctx, r.store, Compute(models, aggs))
}

// Start launches the periodic loop. It does nothing when interval <= 0.
func (r *Runner) Start() {
	if r.interval <= 0 {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

func (r *Runner) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			_, _ = r.RunOnce(ctx)
			cancel()
		case <-r.stop:
			return
		}
	}
}
