// Package repository implements the run/tool-call event store. The engine
// treats the store as an idempotent upsert surface addressed by composite
// keys: every mutation is safe to apply twice with identical arguments, and
// upserts are atomic so concurrent deliveries for the same key cannot lose
// updates.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridian/advisory/common/models"
)

// ToolStartParams carries an upsert-tool-start operation
type ToolStartParams struct {
	RunID     string
	ToolKey   string
	ToolName  string
	ToolLabel string
	Agent     *string

	// At becomes started_at only when the row has none yet; a duplicate
	// start never overwrites the original timestamp
	At time.Time

	Metadata json.RawMessage
}

// ToolCompleteParams carries an upsert-tool-complete operation
type ToolCompleteParams struct {
	RunID     string
	ToolKey   string
	ToolName  string
	ToolLabel string

	// Status must be a terminal status
	Status models.ToolCallStatus

	At       time.Time
	Metadata json.RawMessage
}

// Store is the persistence contract for runs and tool calls
type Store interface {
	// CreateRun inserts the run if absent and reports whether a row was
	// created; an existing run is an idempotent no-op, never an error
	CreateRun(ctx context.Context, run *models.Run) (bool, error)

	// GetRun returns the run, or nil when no row exists
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// FinalizeRun moves a running run to a terminal status and reports
	// whether a row transitioned; an already-terminal run reports false
	// with no error
	FinalizeRun(ctx context.Context, runID string, status models.RunStatus, endedAt time.Time) (bool, error)

	// ListThreadRunIDs returns the thread's run ids in start order
	ListThreadRunIDs(ctx context.Context, threadID string) ([]string, error)

	// UpsertToolStart creates or updates the (run_id, tool_key) row to
	// running without regressing a terminal status or overwriting an
	// existing start timestamp
	UpsertToolStart(ctx context.Context, p ToolStartParams) error

	// UpsertToolComplete creates or updates the row to the given terminal
	// status; a missing row is created directly in that status
	UpsertToolComplete(ctx context.Context, p ToolCompleteParams) error

	// ListToolCalls returns the run's full activity log
	ListToolCalls(ctx context.Context, runID string) ([]models.ToolCall, error)

	// ReclaimStaleRuns finalizes to error every run still running whose
	// start and latest activity both predate the cutoff, returning the
	// reclaimed run ids
	ReclaimStaleRuns(ctx context.Context, cutoff time.Time, endedAt time.Time) ([]string, error)

	// FailRunningToolCalls finalizes a run's still-running tool calls to
	// error, returning the number of rows touched
	FailRunningToolCalls(ctx context.Context, runID string, at time.Time) (int64, error)

	Close() error
}
