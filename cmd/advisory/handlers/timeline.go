package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/meridian/advisory/cmd/advisory/service"
	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/models"
)

// TimelineHandler handles timeline and stats reads
type TimelineHandler struct {
	components      *bootstrap.Components
	timelineService *service.TimelineService
}

// NewTimelineHandler creates a new timeline handler
func NewTimelineHandler(components *bootstrap.Components, timelineService *service.TimelineService) *TimelineHandler {
	return &TimelineHandler{
		components:      components,
		timelineService: timelineService,
	}
}

// GetTimeline rebuilds the timeline for a run
// GET /api/v1/runs/:id/timeline
func (h *TimelineHandler) GetTimeline(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	steps, err := h.timelineService.Timeline(ctx, runID)
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"success": false,
				"message": "run not found",
			})
		}
		h.components.Logger.Error("timeline rebuild failed", "run_id", runID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	if steps == nil {
		steps = []models.TimelineStep{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"run_id": runID,
			"steps":  steps,
		},
	})
}

// GetStats summarizes a run's activity
// GET /api/v1/runs/:id/stats
func (h *TimelineHandler) GetStats(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	stats, err := h.timelineService.Stats(ctx, runID)
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"success": false,
				"message": "run not found",
			})
		}
		h.components.Logger.Error("stats read failed", "run_id", runID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"run_id": runID,
			"stats":  stats,
		},
	})
}

// ListThreadRuns lists run ids for a thread
// GET /api/v1/threads/:id/runs
func (h *TimelineHandler) ListThreadRuns(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("id")

	runIDs, err := h.timelineService.ThreadRuns(ctx, threadID)
	if err != nil {
		h.components.Logger.Error("thread run list failed", "thread_id", threadID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	if runIDs == nil {
		runIDs = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"thread_id": threadID,
			"run_ids":   runIDs,
		},
	})
}

// BackfillThread annotates posted display messages with stored run ids
// POST /api/v1/threads/:id/backfill
func (h *TimelineHandler) BackfillThread(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := c.Param("id")

	var req struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"message": "invalid request body",
		})
	}

	messages, changed, err := h.timelineService.BackfillThread(ctx, threadID, req.Messages)
	if err != nil {
		h.components.Logger.Error("thread backfill failed", "thread_id", threadID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "internal error",
		})
	}

	if messages == nil {
		messages = []models.Message{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"thread_id": threadID,
			"messages":  messages,
			"changed":   changed,
		},
	})
}
