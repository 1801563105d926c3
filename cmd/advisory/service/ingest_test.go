package service

import (
	"context"
	"testing"
	"time"

	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/config"
	"github.com/meridian/advisory/common/logger"
	"github.com/meridian/advisory/common/models"
	"github.com/meridian/advisory/common/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAuthorizer struct {
	account string
}

func (a fixedAuthorizer) AuthorizedAccount(ctx context.Context, userID string) (string, error) {
	return a.account, nil
}

func newTestService(t *testing.T) (*IngestService, *repository.MemoryStore) {
	t.Helper()

	store := repository.NewMemoryStore()
	components := &bootstrap.Components{
		Config: &config.Config{
			Engine: config.EngineConfig{
				StalenessWindow: 10 * time.Minute,
			},
		},
		Logger: logger.New("error", "json"),
	}

	svc := NewIngestService(&IngestServiceOpts{
		Store:      store,
		Authorizer: fixedAuthorizer{account: "acct-1"},
		Components: components,
	})
	return svc, store
}

func startRun(t *testing.T, svc *IngestService, runID string) {
	t.Helper()
	result, err := svc.StartRun(context.Background(), &StartRunRequest{
		RunID:    runID,
		ThreadID: "thread-1",
		UserID:   "alice",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestStartRunIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := &StartRunRequest{RunID: "run-1", ThreadID: "thread-1", UserID: "alice"}

	first, err := svc.StartRun(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, true, first.Data["created"])

	second, err := svc.StartRun(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, false, second.Data["created"])
}

func TestStartRunFillsAuthorizedAccount(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartRun(ctx, &StartRunRequest{
		RunID:    "run-1",
		ThreadID: "thread-1",
		UserID:   "alice",
	})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "acct-1", run.AccountID)
}

func TestStartRunAccountMismatch(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartRun(ctx, &StartRunRequest{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		UserID:    "alice",
		AccountID: "someone-elses-account",
	})
	require.ErrorIs(t, err, ErrAccountMismatch)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, run, "a rejected start must not persist anything")
}

func TestStartRunMissingFields(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.StartRun(context.Background(), &StartRunRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestFinalizeRunUnknown(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.FinalizeRun(context.Background(), &FinalizeRunRequest{RunID: "ghost"})
	require.NoError(t, err, "correlation failures are reported, not raised")
	assert.False(t, result.Success)
	assert.Equal(t, "unknown run", result.Message)
}

func TestFinalizeRunIdempotentAndMonotonic(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	startRun(t, svc, "run-1")

	first, err := svc.FinalizeRun(ctx, &FinalizeRunRequest{RunID: "run-1", Status: "complete"})
	require.NoError(t, err)
	assert.True(t, first.Success)

	// A late error finalize must not flip the terminal status
	second, err := svc.FinalizeRun(ctx, &FinalizeRunRequest{RunID: "run-1", Status: "error"})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, "run already finalized", second.Message)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusComplete, run.Status)
}

func TestFinalizeRunInvalidStatus(t *testing.T) {
	svc, _ := newTestService(t)
	startRun(t, svc, "run-1")

	result, err := svc.FinalizeRun(context.Background(), &FinalizeRunRequest{RunID: "run-1", Status: "paused"})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestToolEventsOutOfOrder(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	startRun(t, svc, "run-1")

	completedAt := time.Now().UTC()
	startedAt := completedAt.Add(-5 * time.Second)

	result, err := svc.UpsertToolComplete(ctx, &ToolCompleteRequest{
		RunID:    "run-1",
		ToolKey:  "call-1",
		ToolName: "lookup_quote",
		At:       &completedAt,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The start arrives late; the call must stay terminal
	result, err = svc.UpsertToolStart(ctx, &ToolStartRequest{
		RunID:    "run-1",
		ToolKey:  "call-1",
		ToolName: "lookup_quote",
		At:       &startedAt,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	calls, err := store.ListToolCalls(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCallStatusComplete, calls[0].Status)
	require.NotNil(t, calls[0].StartedAt)
	assert.True(t, calls[0].StartedAt.Equal(startedAt))
	assert.Equal(t, "Looking up price", calls[0].ToolLabel)
}

func TestToolCompleteDefaultsToComplete(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	startRun(t, svc, "run-1")

	result, err := svc.UpsertToolComplete(ctx, &ToolCompleteRequest{
		RunID:    "run-1",
		ToolKey:  "call-1",
		ToolName: "get_portfolio",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	calls, err := store.ListToolCalls(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCallStatusComplete, calls[0].Status)
}

func TestCleanupOrphanedReclaimsStaleRuns(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Stale: started long ago, last activity outside the window
	stale := now.Add(-30 * time.Minute)
	_, err := svc.StartRun(ctx, &StartRunRequest{
		RunID: "stale", ThreadID: "thread-1", UserID: "alice", StartedAt: &stale,
	})
	require.NoError(t, err)
	staleAct := now.Add(-20 * time.Minute)
	_, err = svc.UpsertToolStart(ctx, &ToolStartRequest{
		RunID: "stale", ToolKey: "call-1", ToolName: "lookup_quote", At: &staleAct,
	})
	require.NoError(t, err)

	// Old run kept alive by fresh activity
	_, err = svc.StartRun(ctx, &StartRunRequest{
		RunID: "active", ThreadID: "thread-1", UserID: "alice", StartedAt: &stale,
	})
	require.NoError(t, err)
	freshAct := now.Add(-time.Minute)
	_, err = svc.UpsertToolStart(ctx, &ToolStartRequest{
		RunID: "active", ToolKey: "call-1", ToolName: "lookup_quote", At: &freshAct,
	})
	require.NoError(t, err)

	result, err := svc.CleanupOrphaned(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Data["reclaimed_runs"])
	assert.Equal(t, int64(1), result.Data["tool_calls_failed"])

	staleRun, err := store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, staleRun.Status)

	calls, err := store.ListToolCalls(ctx, "stale")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCallStatusError, calls[0].Status)

	activeRun, err := store.GetRun(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, activeRun.Status)
}

func TestCleanupOrphanedIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := now.Add(-30 * time.Minute)
	_, err := svc.StartRun(ctx, &StartRunRequest{
		RunID: "stale", ThreadID: "thread-1", UserID: "alice", StartedAt: &stale,
	})
	require.NoError(t, err)

	first, err := svc.CleanupOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Data["reclaimed_runs"])

	second, err := svc.CleanupOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Data["reclaimed_runs"])
}
