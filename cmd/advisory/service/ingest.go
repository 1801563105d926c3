package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridian/advisory/common/bootstrap"
	"github.com/meridian/advisory/common/models"
	rediscommon "github.com/meridian/advisory/common/redis"
	"github.com/meridian/advisory/common/repository"
	"github.com/meridian/advisory/common/toolname"
)

const (
	// ActivityStream is the Redis stream every successful mutation is
	// mirrored to for downstream consumers
	ActivityStream = "advisor.run.activity"

	// cleanupLockKey guards the orphan sweep across replicas
	cleanupLockKey = "advisor:cleanup:lock"
	cleanupLockTTL = 30 * time.Second
)

// ErrAccountMismatch is returned when a start_run asserts an account the
// authenticated user is not allowed to write under
var ErrAccountMismatch = errors.New("account mismatch")

// AccountAuthorizer resolves the account a user may ingest runs for.
// The production implementation talks to the identity service.
type AccountAuthorizer interface {
	AuthorizedAccount(ctx context.Context, userID string) (string, error)
}

// OperationResult is the uniform outcome envelope of every ingestion
// operation. Correlation failures (unknown run, duplicate events) are
// reported here with Success=false rather than raised as errors; the
// producers of these events cannot do anything useful with a 5xx.
type OperationResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// IngestService applies run and tool-activity events to the event store.
// Every operation is idempotent and tolerant of out-of-order delivery.
type IngestService struct {
	store      repository.Store
	authorizer AccountAuthorizer
	mapper     toolname.Mapper
	redis      *rediscommon.Client
	components *bootstrap.Components
}

// IngestServiceOpts contains options for creating an IngestService
type IngestServiceOpts struct {
	Store      repository.Store
	Authorizer AccountAuthorizer
	Mapper     toolname.Mapper
	Redis      *rediscommon.Client
	Components *bootstrap.Components
}

// NewIngestService creates a new ingest service with options pattern
func NewIngestService(opts *IngestServiceOpts) *IngestService {
	mapper := opts.Mapper
	if mapper == nil {
		mapper = toolname.DefaultTable()
	}
	return &IngestService{
		store:      opts.Store,
		authorizer: opts.Authorizer,
		mapper:     mapper,
		redis:      opts.Redis,
		components: opts.Components,
	}
}

// StartRunRequest represents a run-started event
type StartRunRequest struct {
	RunID     string     `json:"run_id"`
	ThreadID  string     `json:"thread_id"`
	UserID    string     `json:"user_id"`
	AccountID string     `json:"account_id"`
	StartedAt *time.Time `json:"started_at"`
}

// FinalizeRunRequest represents a run-finished event
type FinalizeRunRequest struct {
	RunID   string     `json:"run_id"`
	Status  string     `json:"status"`
	EndedAt *time.Time `json:"ended_at"`
}

// ToolStartRequest represents a tool-call-started event
type ToolStartRequest struct {
	RunID    string          `json:"run_id"`
	ToolKey  string          `json:"tool_key"`
	ToolName string          `json:"tool_name"`
	Agent    *string         `json:"agent"`
	At       *time.Time      `json:"at"`
	Metadata json.RawMessage `json:"metadata"`
}

// ToolCompleteRequest represents a tool-call-finished event
type ToolCompleteRequest struct {
	RunID    string          `json:"run_id"`
	ToolKey  string          `json:"tool_key"`
	ToolName string          `json:"tool_name"`
	Status   string          `json:"status"`
	At       *time.Time      `json:"at"`
	Metadata json.RawMessage `json:"metadata"`
}

// StartRun registers a run in running status. Replays of the same run_id
// succeed without touching the stored row.
func (s *IngestService) StartRun(ctx context.Context, req *StartRunRequest) (*OperationResult, error) {
	if req.RunID == "" || req.ThreadID == "" {
		return failure("run_id and thread_id are required"), nil
	}

	account, err := s.authorizer.AuthorizedAccount(ctx, req.UserID)
	if err != nil {
		s.components.Logger.Warn("account resolution failed",
			"run_id", req.RunID,
			"user_id", req.UserID,
			"error", err)
		return nil, fmt.Errorf("%w: %s", ErrAccountMismatch, req.UserID)
	}
	if req.AccountID != "" && req.AccountID != account {
		s.components.Logger.Warn("account mismatch on start_run",
			"run_id", req.RunID,
			"user_id", req.UserID)
		return nil, ErrAccountMismatch
	}

	run := &models.Run{
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		UserID:    req.UserID,
		AccountID: account,
		Status:    models.RunStatusRunning,
		StartedAt: eventTime(req.StartedAt),
	}

	created, err := s.store.CreateRun(ctx, run)
	if err != nil {
		s.components.Logger.Error("failed to create run", "run_id", req.RunID, "error", err)
		return failure("failed to record run"), nil
	}

	if !created {
		s.components.Logger.Debug("duplicate start_run ignored", "run_id", req.RunID)
		return &OperationResult{
			Success: true,
			Message: "run already recorded",
			Data:    map[string]interface{}{"run_id": req.RunID, "created": false},
		}, nil
	}

	s.publishActivity(ctx, "run.started", req.RunID, map[string]interface{}{
		"thread_id": req.ThreadID,
	})

	return &OperationResult{
		Success: true,
		Message: "run recorded",
		Data:    map[string]interface{}{"run_id": req.RunID, "created": true},
	}, nil
}

// FinalizeRun moves a run to a terminal status. Unknown runs and replays
// are reported, not raised.
func (s *IngestService) FinalizeRun(ctx context.Context, req *FinalizeRunRequest) (*OperationResult, error) {
	if req.RunID == "" {
		return failure("run_id is required"), nil
	}

	status := models.RunStatus(req.Status)
	if status == "" {
		status = models.RunStatusComplete
	}
	if !status.IsTerminal() {
		return failure(fmt.Sprintf("invalid terminal status: %s", req.Status)), nil
	}

	finalized, err := s.store.FinalizeRun(ctx, req.RunID, status, eventTime(req.EndedAt))
	if err != nil {
		s.components.Logger.Error("failed to finalize run", "run_id", req.RunID, "error", err)
		return failure("failed to finalize run"), nil
	}

	if !finalized {
		run, err := s.store.GetRun(ctx, req.RunID)
		if err == nil && run == nil {
			s.components.Logger.Warn("finalize for unknown run", "run_id", req.RunID)
			return failure("unknown run"), nil
		}
		s.components.Logger.Debug("duplicate finalize ignored", "run_id", req.RunID)
		return &OperationResult{
			Success: true,
			Message: "run already finalized",
			Data:    map[string]interface{}{"run_id": req.RunID},
		}, nil
	}

	s.publishActivity(ctx, "run.finalized", req.RunID, map[string]interface{}{
		"status": string(status),
	})

	return &OperationResult{
		Success: true,
		Message: "run finalized",
		Data:    map[string]interface{}{"run_id": req.RunID, "status": string(status)},
	}, nil
}

// UpsertToolStart applies a tool-start event. Order-tolerant: a start
// arriving after its completion never reopens the call.
func (s *IngestService) UpsertToolStart(ctx context.Context, req *ToolStartRequest) (*OperationResult, error) {
	if req.RunID == "" || req.ToolKey == "" {
		return failure("run_id and tool_key are required"), nil
	}

	label, _ := s.mapper.MapToolName(req.ToolName)
	err := s.store.UpsertToolStart(ctx, repository.ToolStartParams{
		RunID:     req.RunID,
		ToolKey:   req.ToolKey,
		ToolName:  req.ToolName,
		ToolLabel: label,
		Agent:     req.Agent,
		At:        eventTime(req.At),
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.components.Logger.Error("failed to upsert tool start",
			"run_id", req.RunID,
			"tool_key", req.ToolKey,
			"error", err)
		return failure("failed to record tool start"), nil
	}

	s.publishActivity(ctx, "tool.started", req.RunID, map[string]interface{}{
		"tool_key":  req.ToolKey,
		"tool_name": req.ToolName,
	})

	return &OperationResult{
		Success: true,
		Message: "tool start recorded",
		Data:    map[string]interface{}{"run_id": req.RunID, "tool_key": req.ToolKey},
	}, nil
}

// UpsertToolComplete applies a tool-complete event. A completion with no
// prior start creates the call directly in its terminal status.
func (s *IngestService) UpsertToolComplete(ctx context.Context, req *ToolCompleteRequest) (*OperationResult, error) {
	if req.RunID == "" || req.ToolKey == "" {
		return failure("run_id and tool_key are required"), nil
	}

	status := models.ToolCallStatus(req.Status)
	if status == "" {
		status = models.ToolCallStatusComplete
	}
	if !status.IsTerminal() {
		return failure(fmt.Sprintf("invalid terminal status: %s", req.Status)), nil
	}

	label, _ := s.mapper.MapToolName(req.ToolName)
	err := s.store.UpsertToolComplete(ctx, repository.ToolCompleteParams{
		RunID:     req.RunID,
		ToolKey:   req.ToolKey,
		ToolName:  req.ToolName,
		ToolLabel: label,
		Status:    status,
		At:        eventTime(req.At),
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.components.Logger.Error("failed to upsert tool complete",
			"run_id", req.RunID,
			"tool_key", req.ToolKey,
			"error", err)
		return failure("failed to record tool completion"), nil
	}

	s.publishActivity(ctx, "tool.completed", req.RunID, map[string]interface{}{
		"tool_key":  req.ToolKey,
		"tool_name": req.ToolName,
		"status":    string(status),
	})

	return &OperationResult{
		Success: true,
		Message: "tool completion recorded",
		Data:    map[string]interface{}{"run_id": req.RunID, "tool_key": req.ToolKey},
	}, nil
}

// CleanupOrphaned reclaims runs stuck in running status past the staleness
// window with no newer activity, failing their still-running tool calls.
// A Redis lock keeps concurrent sweeps (multiple replicas, admin trigger)
// from doubling up; without Redis the sweep runs unguarded.
func (s *IngestService) CleanupOrphaned(ctx context.Context) (*OperationResult, error) {
	sweepID := uuid.NewString()

	if s.redis != nil {
		acquired, err := s.redis.SetNX(ctx, cleanupLockKey, sweepID, cleanupLockTTL)
		if err != nil {
			s.components.Logger.Warn("cleanup lock check failed, proceeding", "error", err)
		} else if !acquired {
			return &OperationResult{
				Success: true,
				Message: "sweep already in progress",
				Data:    map[string]interface{}{"skipped": true},
			}, nil
		} else {
			defer func() {
				if err := s.redis.Delete(context.WithoutCancel(ctx), cleanupLockKey); err != nil {
					s.components.Logger.Warn("failed to release cleanup lock", "error", err)
				}
			}()
		}
	}

	start := time.Now()
	cutoff := start.Add(-s.components.Config.Engine.StalenessWindow)

	reclaimed, err := s.store.ReclaimStaleRuns(ctx, cutoff, start)
	if err != nil {
		s.components.Logger.Error("stale run reclaim failed", "sweep_id", sweepID, "error", err)
		return failure("cleanup failed"), nil
	}

	var failedCalls int64
	for _, runID := range reclaimed {
		n, err := s.store.FailRunningToolCalls(ctx, runID, start)
		if err != nil {
			s.components.Logger.Error("failed to close tool calls for reclaimed run",
				"sweep_id", sweepID,
				"run_id", runID,
				"error", err)
			continue
		}
		failedCalls += n
		s.publishActivity(ctx, "run.reclaimed", runID, map[string]interface{}{
			"sweep_id": sweepID,
		})
	}

	if s.components.Telemetry != nil {
		s.components.Telemetry.RecordDuration("cleanup_orphaned", start)
	}
	s.components.Logger.Info("orphan sweep complete",
		"sweep_id", sweepID,
		"reclaimed", len(reclaimed),
		"tool_calls_failed", failedCalls)

	return &OperationResult{
		Success: true,
		Message: "cleanup complete",
		Data: map[string]interface{}{
			"sweep_id":          sweepID,
			"reclaimed_runs":    len(reclaimed),
			"tool_calls_failed": failedCalls,
		},
	}, nil
}

// publishActivity mirrors a successful mutation to the activity stream and
// pokes the run's invalidation channel. Best effort: consumers reconcile
// from the store, so a missed notification is only a latency hit.
func (s *IngestService) publishActivity(ctx context.Context, event, runID string, fields map[string]interface{}) {
	if s.redis == nil {
		return
	}

	values := map[string]interface{}{
		"event_id": uuid.NewString(),
		"event":    event,
		"run_id":   runID,
		"at":       time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		values[k] = v
	}

	pipe := s.redis.NewPipeline()
	pipe.AddToStream(ctx, ActivityStream, values)
	pipe.PublishEvent(ctx, "run:"+runID, event)
	if err := pipe.Exec(ctx); err != nil {
		s.components.Logger.Warn("activity publish failed",
			"event", event,
			"run_id", runID,
			"error", err)
	}
}

func failure(message string) *OperationResult {
	return &OperationResult{Success: false, Message: message}
}

func eventTime(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
