package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/meridian/advisory/common/backfill"
	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/cache"
	"github.com/meridian/advisory/common/models"
	"github.com/meridian/advisory/common/repository"
	"github.com/meridian/advisory/common/timeline"
)

// ErrRunNotFound is returned by read operations for an unknown run
var ErrRunNotFound = errors.New("run not found")

// TimelineService is the read boundary: it rebuilds timelines and stats
// from the activity log on demand. Nothing derived is ever written back.
type TimelineService struct {
	store      repository.Store
	builder    *timeline.Builder
	cache      cache.Cache
	components *bootstrap.Components
}

// TimelineServiceOpts contains options for creating a TimelineService
type TimelineServiceOpts struct {
	Store      repository.Store
	Builder    *timeline.Builder
	Cache      cache.Cache
	Components *bootstrap.Components
}

// NewTimelineService creates a new timeline service with options pattern
func NewTimelineService(opts *TimelineServiceOpts) *TimelineService {
	return &TimelineService{
		store:      opts.Store,
		builder:    opts.Builder,
		cache:      opts.Cache,
		components: opts.Components,
	}
}

// Timeline rebuilds the step sequence for a run. Terminal runs produce an
// immutable timeline, so those are served from cache; a run still in
// flight is rebuilt on every call.
func (s *TimelineService) Timeline(ctx context.Context, runID string) ([]models.TimelineStep, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	cacheKey := "timeline:" + runID
	if run.Status.IsTerminal() && s.cache != nil {
		if raw, found, err := s.cache.Get(ctx, cacheKey); err == nil && found {
			var steps []models.TimelineStep
			if err := json.Unmarshal(raw, &steps); err == nil {
				return steps, nil
			}
		}
	}

	start := time.Now()
	activities, err := s.store.ListToolCalls(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps := s.builder.BuildForRun(runID, activities)
	if s.components.Telemetry != nil {
		s.components.Telemetry.RecordDuration("timeline_rebuild", start)
	}

	if run.Status.IsTerminal() && s.cache != nil {
		if raw, err := json.Marshal(steps); err == nil {
			ttl := s.components.Config.Cache.DefaultTTL
			if err := s.cache.Set(ctx, cacheKey, raw, ttl); err != nil {
				s.components.Logger.Warn("failed to cache timeline", "run_id", runID, "error", err)
			}
		}
	}

	return steps, nil
}

// Stats summarizes a run's activity log
func (s *TimelineService) Stats(ctx context.Context, runID string) (*timeline.ActivityStats, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	activities, err := s.store.ListToolCalls(ctx, runID)
	if err != nil {
		return nil, err
	}

	stats := timeline.Stats(activities, runID)
	return &stats, nil
}

// ThreadRuns lists a thread's run ids in chronological order
func (s *TimelineService) ThreadRuns(ctx context.Context, threadID string) ([]string, error) {
	return s.store.ListThreadRunIDs(ctx, threadID)
}

// BackfillThread annotates client display messages with the thread's stored
// run ids. Returns the (possibly unchanged) messages and whether any
// assignment was made.
func (s *TimelineService) BackfillThread(ctx context.Context, threadID string, messages []models.Message) ([]models.Message, bool, error) {
	runIDs, err := s.store.ListThreadRunIDs(ctx, threadID)
	if err != nil {
		return nil, false, err
	}

	annotated, changed := backfill.Reconcile(messages, runIDs)
	if changed {
		s.components.Logger.Debug("backfilled thread messages",
			"thread_id", threadID,
			"messages", len(messages),
			"run_ids", len(runIDs))
	}
	return annotated, changed, nil
}
