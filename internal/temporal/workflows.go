package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/otterflow/otterflow/internal/feedback"
)

const activityTimeout = 5 * time.Minute

// FeedbackOutput is the result of one FeedbackWorkflow run.
type FeedbackOutput struct {
	ModelsUpdated int `json:"models_updated"`
}

// FeedbackWorkflow recomputes the derived catalog fields. Compute and apply
// are separate activities so a failed write retries without re-reading
// usage.
func FeedbackWorkflow(ctx workflow.Context) (FeedbackOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var updates []feedback.Update
	if err := workflow.ExecuteActivity(ctx, (*Activities).ComputeCatalogUpdates).Get(ctx, &updates); err != nil {
		return FeedbackOutput{}, err
	}
	if len(updates) == 0 {
		return FeedbackOutput{}, nil
	}

	var n int
	if err := workflow.ExecuteActivity(ctx, (*Activities).ApplyCatalogUpdates, updates).Get(ctx, &n); err != nil {
		return FeedbackOutput{}, err
	}
	return FeedbackOutput{ModelsUpdated: n}, nil
}
