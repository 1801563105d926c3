package service

import (
	"context"
	"testing"
	"time"

	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/cache"
	"github.com/meridian/advisory/common/config"
	"github.com/meridian/advisory/common/logger"
	"github.com/meridian/advisory/common/models"
	"github.com/meridian/advisory/common/repository"
	"github.com/meridian/advisory/common/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTimelineFixture(t *testing.T) (*TimelineService, *IngestService, *repository.MemoryStore) {
	t.Helper()

	store := repository.NewMemoryStore()
	log := logger.New("error", "json")
	components := &bootstrap.Components{
		Config: &config.Config{
			Cache: config.CacheConfig{
				Enabled:    true,
				DefaultTTL: time.Minute,
			},
			Engine: config.EngineConfig{
				StalenessWindow:       10 * time.Minute,
				MinTimelineActivities: 1,
			},
		},
		Logger: log,
		Cache:  cache.NewMemoryCache(log),
	}

	ingest := NewIngestService(&IngestServiceOpts{
		Store:      store,
		Authorizer: fixedAuthorizer{account: "acct-1"},
		Components: components,
	})
	tl := NewTimelineService(&TimelineServiceOpts{
		Store:      store,
		Builder:    timeline.New(timeline.Config{}, nil),
		Cache:      components.Cache,
		Components: components,
	})
	return tl, ingest, store
}

func TestTimelineUnknownRun(t *testing.T) {
	tl, _, _ := newTimelineFixture(t)

	_, err := tl.Timeline(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = tl.Stats(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestTimelineRebuild(t *testing.T) {
	tl, ingest, _ := newTimelineFixture(t)
	ctx := context.Background()

	_, err := ingest.StartRun(ctx, &StartRunRequest{RunID: "run-1", ThreadID: "thread-1", UserID: "alice"})
	require.NoError(t, err)
	_, err = ingest.UpsertToolStart(ctx, &ToolStartRequest{RunID: "run-1", ToolKey: "c1", ToolName: "lookup_quote"})
	require.NoError(t, err)

	steps, err := tl.Timeline(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "Looking up price", steps[0].Label)
	assert.True(t, steps[0].IsRunning)

	// Completing and finalizing turns the last step terminal and appends Done
	_, err = ingest.UpsertToolComplete(ctx, &ToolCompleteRequest{RunID: "run-1", ToolKey: "c1", ToolName: "lookup_quote"})
	require.NoError(t, err)
	_, err = ingest.FinalizeRun(ctx, &FinalizeRunRequest{RunID: "run-1", Status: "complete"})
	require.NoError(t, err)

	steps, err = tl.Timeline(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Done", steps[1].Label)
	assert.True(t, steps[1].IsLast)
}

func TestTimelineTerminalRunServedFromCache(t *testing.T) {
	tl, ingest, store := newTimelineFixture(t)
	ctx := context.Background()

	_, err := ingest.StartRun(ctx, &StartRunRequest{RunID: "run-1", ThreadID: "thread-1", UserID: "alice"})
	require.NoError(t, err)
	_, err = ingest.UpsertToolComplete(ctx, &ToolCompleteRequest{RunID: "run-1", ToolKey: "c1", ToolName: "lookup_quote"})
	require.NoError(t, err)
	_, err = ingest.FinalizeRun(ctx, &FinalizeRunRequest{RunID: "run-1"})
	require.NoError(t, err)

	first, err := tl.Timeline(ctx, "run-1")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Mutate the store behind the cache; a terminal run's timeline is
	// immutable so the cached copy must win
	_, err = store.FailRunningToolCalls(ctx, "run-1", time.Now())
	require.NoError(t, err)
	err = store.UpsertToolComplete(ctx, repository.ToolCompleteParams{
		RunID: "run-1", ToolKey: "c2", ToolName: "get_portfolio",
		Status: models.ToolCallStatusComplete, At: time.Now(),
	})
	require.NoError(t, err)

	second, err := tl.Timeline(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
}

func TestStatsThroughService(t *testing.T) {
	tl, ingest, _ := newTimelineFixture(t)
	ctx := context.Background()

	_, err := ingest.StartRun(ctx, &StartRunRequest{RunID: "run-1", ThreadID: "thread-1", UserID: "alice"})
	require.NoError(t, err)
	_, err = ingest.UpsertToolStart(ctx, &ToolStartRequest{RunID: "run-1", ToolKey: "c1", ToolName: "lookup_quote"})
	require.NoError(t, err)
	_, err = ingest.UpsertToolComplete(ctx, &ToolCompleteRequest{RunID: "run-1", ToolKey: "c2", ToolName: "get_portfolio"})
	require.NoError(t, err)

	stats, err := tl.Stats(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.DistinctTools)
}

func TestBackfillThread(t *testing.T) {
	tl, ingest, _ := newTimelineFixture(t)
	ctx := context.Background()

	early := time.Now().Add(-time.Hour)
	later := time.Now().Add(-time.Minute)
	_, err := ingest.StartRun(ctx, &StartRunRequest{RunID: "run-1", ThreadID: "thread-1", UserID: "alice", StartedAt: &early})
	require.NoError(t, err)
	_, err = ingest.StartRun(ctx, &StartRunRequest{RunID: "run-2", ThreadID: "thread-1", UserID: "alice", StartedAt: &later})
	require.NoError(t, err)

	messages := []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "first question"},
		{ID: "m2", Role: models.RoleAssistant, Content: "first answer"},
		{ID: "m3", Role: models.RoleUser, Content: "second question"},
		{ID: "m4", Role: models.RoleAssistant, Content: "second answer"},
	}

	out, changed, err := tl.BackfillThread(ctx, "thread-1", messages)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "run-1", out[0].RunID)
	assert.Equal(t, "run-1", out[1].RunID)
	assert.Equal(t, "run-2", out[2].RunID)
	assert.Equal(t, "run-2", out[3].RunID)

	// No runs recorded for a different thread: untouched
	_, changed, err = tl.BackfillThread(ctx, "thread-other", messages)
	require.NoError(t, err)
	assert.False(t, changed)
}
