package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/meridian/advisory/cmd/advisory/container"
	"github.com/meridian/advisory/cmd/advisory/handlers"
	"github.com/meridian/advisory/cmd/advisory/middleware"
)

// RegisterTimelineRoutes registers the read-boundary routes
func RegisterTimelineRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewTimelineHandler(c.Components, c.TimelineService)

	runs := e.Group("/api/v1/runs")
	runs.Use(middleware.ExtractUserID())
	{
		runs.GET("/:id/timeline", h.GetTimeline) // GET /api/v1/runs/{id}/timeline
		runs.GET("/:id/stats", h.GetStats)       // GET /api/v1/runs/{id}/stats
	}

	threads := e.Group("/api/v1/threads")
	threads.Use(middleware.ExtractUserID())
	{
		threads.GET("/:id/runs", h.ListThreadRuns)       // GET /api/v1/threads/{id}/runs
		threads.POST("/:id/backfill", h.BackfillThread)  // POST /api/v1/threads/{id}/backfill
	}
}
