package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/otterflow/otterflow/internal/feedback"
	"github.com/otterflow/otterflow/internal/store"
)

// actsRef is a nil *Activities used only to name activities when mocking.
var actsRef *Activities

func fp(v float64) *float64 { return &v }

func sampleUpdates() []feedback.Update {
	return []feedback.Update{
		{Name: "gpt-4o", IORatio: 1.5, Cost: fp(1)},
		{Name: "llama3-8b", IORatio: 3, Cost: fp(0)},
	}
}

func TestFeedbackWorkflow_Success(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	updates := sampleUpdates()
	env.OnActivity(actsRef.ComputeCatalogUpdates, mock.Anything).Return(updates, nil)
	env.OnActivity(actsRef.ApplyCatalogUpdates, mock.Anything, mock.Anything).Return(len(updates), nil)

	env.ExecuteWorkflow(FeedbackWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out FeedbackOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, 2, out.ModelsUpdated)
	env.AssertExpectations(t)
}

func TestFeedbackWorkflow_EmptyCatalogSkipsApply(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ComputeCatalogUpdates, mock.Anything).Return([]feedback.Update{}, nil)

	env.ExecuteWorkflow(FeedbackWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out FeedbackOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Zero(t, out.ModelsUpdated)
}

func TestFeedbackWorkflow_ComputeFails(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ComputeCatalogUpdates, mock.Anything).Return([]feedback.Update(nil), errors.New("db locked"))

	env.ExecuteWorkflow(FeedbackWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}

func TestFeedbackWorkflow_ApplyRetriesThenSucceeds(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ComputeCatalogUpdates, mock.Anything).Return(sampleUpdates(), nil)
	env.OnActivity(actsRef.ApplyCatalogUpdates, mock.Anything, mock.Anything).Return(0, errors.New("busy")).Once()
	env.OnActivity(actsRef.ApplyCatalogUpdates, mock.Anything, mock.Anything).Return(2, nil).Once()

	env.ExecuteWorkflow(FeedbackWorkflow)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out FeedbackOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, 2, out.ModelsUpdated)
}

func TestActivitiesAgainstStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	defer s.Close()
	require.NoError(t, s.UpsertModel(ctx, store.ModelRecord{Name: "a", License: "OpenAI", InputCostRaw: 1, OutputCostRaw: 1}))
	require.NoError(t, s.UpsertModel(ctx, store.ModelRecord{Name: "b", License: "Groq", InputCostRaw: 2, OutputCostRaw: 2}))

	env := (&testsuite.WorkflowTestSuite{}).NewTestActivityEnvironment()
	acts := &Activities{Store: s}
	env.RegisterActivity(acts.ComputeCatalogUpdates)
	env.RegisterActivity(acts.ApplyCatalogUpdates)

	val, err := env.ExecuteActivity(acts.ComputeCatalogUpdates)
	require.NoError(t, err)
	var updates []feedback.Update
	require.NoError(t, val.Get(&updates))
	require.Len(t, updates, 2)

	val, err = env.ExecuteActivity(acts.ApplyCatalogUpdates, updates)
	require.NoError(t, err)
	var n int
	require.NoError(t, val.Get(&n))
	require.Equal(t, 2, n)

	b, err := s.GetModel(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, b.Cost)
	require.Equal(t, 1.0, *b.Cost)
}

func TestCronEvery(t *testing.T) {
	require.Equal(t, "@every 3600s", CronEvery(time.Hour))
	require.Equal(t, "@every 1s", CronEvery(10*time.Millisecond))
}
