package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/meridian/advisory/cmd/advisory/container"
	"github.com/meridian/advisory/cmd/advisory/routes"
	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/db"
	"github.com/meridian/advisory/common/repository"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, redis, cache, telemetry)
	opts := []bootstrap.Option{
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.Migrate(ctx, database)
		}),
	}
	if os.Getenv("STORE_TYPE") == "memory" {
		opts = []bootstrap.Option{bootstrap.WithoutDB()}
	}

	components, err := bootstrap.Setup(ctx, "advisory", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap advisory: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":  "unhealthy",
				"service": "advisory",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "advisory",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterIngestRoutes(e, serviceContainer)
	routes.RegisterTimelineRoutes(e, serviceContainer)
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting advisory", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
