package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/meridian/advisory/cmd/advisory/container"
	"github.com/meridian/advisory/cmd/advisory/handlers"
	"github.com/meridian/advisory/cmd/advisory/middleware"
	commonmw "github.com/meridian/advisory/common/middleware"
)

// RegisterIngestRoutes registers the event ingestion routes
func RegisterIngestRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewIngestHandler(c.Components, c.IngestService)

	// Mutating routes require identity and sit behind the rate limiter
	runs := e.Group("/api/v1/runs")
	runs.Use(middleware.ExtractUserIDStrict())
	if c.RateLimiter != nil && c.Components.Config.RateLimit.Enabled {
		cfg := c.Components.Config.RateLimit
		runs.Use(commonmw.GlobalRateLimitMiddleware(c.RateLimiter, cfg.GlobalLimit))
		runs.Use(commonmw.UserRateLimitMiddleware(c.RateLimiter, cfg.UserLimit, cfg.WindowSeconds))
	}
	{
		runs.POST("", h.StartRun)                          // POST /api/v1/runs
		runs.POST("/:id/finalize", h.FinalizeRun)          // POST /api/v1/runs/{id}/finalize
		runs.POST("/:id/tools/:key/start", h.ToolStart)    // POST /api/v1/runs/{id}/tools/{key}/start
		runs.POST("/:id/tools/:key/complete", h.ToolComplete) // POST /api/v1/runs/{id}/tools/{key}/complete
	}

	admin := e.Group("/api/v1/admin")
	admin.Use(middleware.ExtractUserIDStrict())
	{
		admin.POST("/cleanup", h.Cleanup) // POST /api/v1/admin/cleanup
	}
}
