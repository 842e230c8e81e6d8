package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/activity"

	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/feedback"
	"github.com/otterflow/otterflow/internal/metrics"
)

// Activities holds dependencies for the feedback activities.
type Activities struct {
	Store    feedback.Store
	Metrics  *metrics.Registry
	EventBus *events.Bus
}

// ComputeCatalogUpdates reads the catalog and usage aggregates and returns
// the recomputed fields.
func (a *Activities) ComputeCatalogUpdates(ctx context.Context) ([]feedback.Update, error) {
	models, err := a.Store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	activity.RecordHeartbeat(ctx, "aggregating")
	aggs, err := a.Store.AggregateUsageByModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return feedback.Compute(models, aggs), nil
}

// ApplyCatalogUpdates writes the recomputed fields back to the catalog.
func (a *Activities) ApplyCatalogUpdates(ctx context.Context, updates []feedback.Update) (int, error) {
	n, err := feedback.Apply(ctx, a.Store, updates)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if a.Metrics != nil {
		a.Metrics.FeedbackRuns.WithLabelValues(status).Inc()
	}
	if err != nil {
		return n, err
	}
	slog.Info("temporal: feedback applied", slog.Int("models_updated", n))
	a.EventBus.Publish(events.Event{Type: events.EventFeedbackApplied, ModelsUpdated: n})
	return n, nil
}
