package container

import (
	"fmt"
	"os"

	"github.com/meridian/advisory/cmd/advisory/auth"
	"github.com/meridian/advisory/cmd/advisory/service"
	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/ratelimit"
	"github.com/meridian/advisory/common/repository"
	"github.com/meridian/advisory/common/timeline"
	"github.com/meridian/advisory/common/toolname"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Store
	Store repository.Store

	// Collaborators
	Mapper      toolname.Mapper
	Builder     *timeline.Builder
	Authorizer  service.AccountAuthorizer
	RateLimiter *ratelimit.RateLimiter

	// Services
	IngestService   *service.IngestService
	TimelineService *service.TimelineService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	store, err := newStore(components)
	if err != nil {
		return nil, err
	}

	mapper := toolname.DefaultTable()

	builder := timeline.New(timeline.Config{
		MinActivities: components.Config.Engine.MinTimelineActivities,
	}, mapper)

	authorizer := newAuthorizer(components)

	var rateLimiter *ratelimit.RateLimiter
	if components.Redis != nil {
		rateLimiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	ingestService := service.NewIngestService(&service.IngestServiceOpts{
		Store:      store,
		Authorizer: authorizer,
		Mapper:     mapper,
		Redis:      components.Redis,
		Components: components,
	})

	timelineService := service.NewTimelineService(&service.TimelineServiceOpts{
		Store:      store,
		Builder:    builder,
		Cache:      components.Cache,
		Components: components,
	})

	return &Container{
		Components:      components,
		Store:           store,
		Mapper:          mapper,
		Builder:         builder,
		Authorizer:      authorizer,
		RateLimiter:     rateLimiter,
		IngestService:   ingestService,
		TimelineService: timelineService,
	}, nil
}

// newStore selects the event store backend from configuration
func newStore(components *bootstrap.Components) (repository.Store, error) {
	switch components.Config.Engine.StoreType {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "postgres":
		if components.DB == nil {
			return nil, fmt.Errorf("postgres store requires a database connection")
		}
		return repository.NewPostgresStore(components.DB), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", components.Config.Engine.StoreType)
	}
}

// newAuthorizer builds the account authorizer from environment assignments,
// fronted by the TTL cache when one is available
func newAuthorizer(components *bootstrap.Components) service.AccountAuthorizer {
	assignments := auth.ParseAssignments(os.Getenv("ACCOUNT_ASSIGNMENTS"))
	defaultAccount := os.Getenv("ACCOUNT_DEFAULT")
	if len(assignments) == 0 && defaultAccount == "" {
		// Local development fallback: every user maps to a shared account
		defaultAccount = "default"
	}

	static := auth.NewStaticAuthorizer(assignments, defaultAccount)
	if components.Cache == nil {
		return static
	}
	return auth.NewCachingAuthorizer(
		static,
		components.Cache,
		components.Config.Cache.DefaultTTL,
		components.Logger,
	)
}
