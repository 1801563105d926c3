package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/meridian/advisory/cmd/advisory/container"
	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/db"
	"github.com/meridian/advisory/common/repository"
	"github.com/meridian/advisory/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sweeper needs the store and redis, not the API surface
	opts := []bootstrap.Option{
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.Migrate(ctx, database)
		}),
	}
	if os.Getenv("STORE_TYPE") == "memory" {
		opts = []bootstrap.Option{bootstrap.WithoutDB()}
	}

	components, err := bootstrap.Setup(ctx, "sweeper", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap sweeper: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	go runSweepLoop(ctx, components, serviceContainer)

	// Health endpoint; Start blocks until SIGINT/SIGTERM and shuts down
	// gracefully, after which the sweep loop is cancelled
	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler())

	srv := server.New(
		components.Config.Service.Name,
		components.Config.Service.Port,
		mux,
		components.Logger,
	)

	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runSweepLoop triggers the orphan sweep on the configured interval
func runSweepLoop(ctx context.Context, components *bootstrap.Components, c *container.Container) {
	interval := components.Config.Engine.CleanupInterval
	components.Logger.Info("sweeper starting",
		"interval", interval,
		"staleness_window", components.Config.Engine.StalenessWindow)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			components.Logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			result, err := c.IngestService.CleanupOrphaned(ctx)
			if err != nil {
				components.Logger.Error("sweep failed", "error", err)
				continue
			}
			if !result.Success {
				components.Logger.Warn("sweep reported failure", "message", result.Message)
			}
		}
	}
}
