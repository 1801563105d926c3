package repository

import (
	"context"
	"testing"
	"time"

	"github.com/meridian/advisory/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateRunIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := &models.Run{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		UserID:    "user-1",
		AccountID: "acct-1",
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}

	created, err := store.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.False(t, created, "duplicate create should be a no-op")
}

func TestMemoryStoreFinalizeRunGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.CreateRun(ctx, &models.Run{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	})
	require.NoError(t, err)

	finalized, err := store.FinalizeRun(ctx, "run-1", models.RunStatusComplete, time.Now())
	require.NoError(t, err)
	assert.True(t, finalized)

	// A second finalize must not flip the terminal status.
	finalized, err = store.FinalizeRun(ctx, "run-1", models.RunStatusError, time.Now())
	require.NoError(t, err)
	assert.False(t, finalized)

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusComplete, run.Status)

	finalized, err = store.FinalizeRun(ctx, "missing", models.RunStatusComplete, time.Now())
	require.NoError(t, err)
	assert.False(t, finalized)
}

func TestMemoryStoreToolStartAfterComplete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	err := store.UpsertToolComplete(ctx, ToolCompleteParams{
		RunID:   "run-1",
		ToolKey: "call-1",
		Status:  models.ToolCallStatusComplete,
		At:      now,
	})
	require.NoError(t, err)

	// A late start must not resurrect the call.
	err = store.UpsertToolStart(ctx, ToolStartParams{
		RunID:    "run-1",
		ToolKey:  "call-1",
		ToolName: "lookup_quote",
		At:       now.Add(-time.Second),
	})
	require.NoError(t, err)

	calls, err := store.ListToolCalls(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, models.ToolCallStatusComplete, calls[0].Status)
	assert.Equal(t, "lookup_quote", calls[0].ToolName, "name backfills even on a terminal call")
	require.NotNil(t, calls[0].StartedAt)
}

func TestMemoryStoreToolStartPreservesFirstStart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{first, first.Add(time.Minute)} {
		err := store.UpsertToolStart(ctx, ToolStartParams{
			RunID:   "run-1",
			ToolKey: "call-1",
			At:      at,
		})
		require.NoError(t, err)
	}

	calls, err := store.ListToolCalls(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].StartedAt)
	assert.True(t, calls[0].StartedAt.Equal(first))
}

func TestMemoryStoreMetadataMerge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	err := store.UpsertToolStart(ctx, ToolStartParams{
		RunID:    "run-1",
		ToolKey:  "call-1",
		At:       now,
		Metadata: []byte(`{"query":"AAPL","depth":1}`),
	})
	require.NoError(t, err)

	err = store.UpsertToolComplete(ctx, ToolCompleteParams{
		RunID:    "run-1",
		ToolKey:  "call-1",
		Status:   models.ToolCallStatusComplete,
		At:       now.Add(time.Second),
		Metadata: []byte(`{"depth":2,"rows":17}`),
	})
	require.NoError(t, err)

	calls, err := store.ListToolCalls(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"query":"AAPL","depth":2,"rows":17}`, string(calls[0].Metadata))
}

func TestMemoryStoreReclaimStaleRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	cutoff := now.Add(-10 * time.Minute)

	_, err := store.CreateRun(ctx, &models.Run{
		RunID:     "stale",
		ThreadID:  "t",
		Status:    models.RunStatusRunning,
		StartedAt: now.Add(-30 * time.Minute),
	})
	require.NoError(t, err)

	_, err = store.CreateRun(ctx, &models.Run{
		RunID:     "active",
		ThreadID:  "t",
		Status:    models.RunStatusRunning,
		StartedAt: now.Add(-30 * time.Minute),
	})
	require.NoError(t, err)

	_, err = store.CreateRun(ctx, &models.Run{
		RunID:     "fresh",
		ThreadID:  "t",
		Status:    models.RunStatusRunning,
		StartedAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	// Recent tool activity shields an old run from reclaim.
	err = store.UpsertToolStart(ctx, ToolStartParams{
		RunID:   "active",
		ToolKey: "call-1",
		At:      now.Add(-time.Minute),
	})
	require.NoError(t, err)

	err = store.UpsertToolStart(ctx, ToolStartParams{
		RunID:   "stale",
		ToolKey: "call-1",
		At:      now.Add(-20 * time.Minute),
	})
	require.NoError(t, err)

	reclaimed, err := store.ReclaimStaleRuns(ctx, cutoff, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, reclaimed)

	failed, err := store.FailRunningToolCalls(ctx, "stale", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	run, err := store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, run.Status)
	require.NotNil(t, run.EndedAt)
}

func TestMemoryStoreListThreadRunIDsOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, r := range []struct {
		id string
		at time.Time
	}{
		{"run-b", base.Add(time.Minute)},
		{"run-a", base},
		{"run-c", base.Add(time.Minute)},
	} {
		_, err := store.CreateRun(ctx, &models.Run{
			RunID:     r.id,
			ThreadID:  "thread-1",
			Status:    models.RunStatusRunning,
			StartedAt: r.at,
		})
		require.NoError(t, err)
	}

	_, err := store.CreateRun(ctx, &models.Run{
		RunID:     "other",
		ThreadID:  "thread-2",
		Status:    models.RunStatusRunning,
		StartedAt: base,
	})
	require.NoError(t, err)

	runIDs, err := store.ListThreadRunIDs(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b", "run-c"}, runIDs)
}
