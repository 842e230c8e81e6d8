package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// FeedbackWorkflowID is the fixed ID of the scheduled feedback workflow.
const FeedbackWorkflowID = "otterflow-feedback"

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New dials Temporal and creates a worker with the feedback workflow and
// activities registered.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(FeedbackWorkflow)
	w.RegisterActivity(acts.ComputeCatalogUpdates)
	w.RegisterActivity(acts.ApplyCatalogUpdates)

	return &Manager{client: c, worker: w, cfg: cfg}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// Schedule starts the cron-scheduled feedback workflow. An already running
// schedule with the same ID is left in place.
func (m *Manager) Schedule(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return nil
	}
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           FeedbackWorkflowID,
		TaskQueue:    m.cfg.TaskQueue,
		CronSchedule: CronEvery(every),
	}, FeedbackWorkflow)
	if err != nil {
		return fmt.Errorf("schedule feedback workflow: %w", err)
	}
	return nil
}

// Trigger runs one feedback pass and waits for its result.
func (m *Manager) Trigger(ctx context.Context) (FeedbackOutput, error) {
	run, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-manual-%d", FeedbackWorkflowID, time.Now().UnixNano()),
		TaskQueue: m.cfg.TaskQueue,
	}, FeedbackWorkflow)
	if err != nil {
		return FeedbackOutput{}, fmt.Errorf("start feedback workflow: %w", err)
	}
	var out FeedbackOutput
	if err := run.Get(ctx, &out); err != nil {
		return FeedbackOutput{}, fmt.Errorf("feedback workflow: %w", err)
	}
	return out, nil
}

// CronEvery renders an interval as a Temporal "@every" cron schedule.
func CronEvery(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("@every %ds", secs)
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
