package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meridian/advisory/common/db"
	"github.com/meridian/advisory/common/models"
)

// PostgresStore implements Store on a pgx connection pool. All upserts are
// single ON CONFLICT statements: the status guards live in SQL so two
// interleaved writers for the same key cannot regress a terminal status or
// clobber a start timestamp.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

// Migrate creates the runs and tool_calls tables if absent
func Migrate(ctx context.Context, database *db.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id           TEXT PRIMARY KEY,
			thread_id        TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			account_id       TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			ended_at         TIMESTAMPTZ,
			last_activity_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs (thread_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status, started_at)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			run_id       TEXT NOT NULL,
			tool_key     TEXT NOT NULL,
			tool_name    TEXT NOT NULL,
			tool_label   TEXT NOT NULL DEFAULT '',
			agent        TEXT,
			status       TEXT NOT NULL,
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (run_id, tool_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls (run_id, started_at)`,
	}

	for _, stmt := range statements {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a run, treating an existing row as success
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) (bool, error) {
	query := `
		INSERT INTO runs (run_id, thread_id, user_id, account_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING
	`

	tag, err := s.db.Exec(ctx, query,
		run.RunID,
		run.ThreadID,
		run.UserID,
		run.AccountID,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// GetRun retrieves a run by id, nil when missing
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := `
		SELECT run_id, thread_id, user_id, account_id, status, started_at, ended_at, last_activity_at
		FROM runs
		WHERE run_id = $1
	`

	run := &models.Run{}
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.RunID,
		&run.ThreadID,
		&run.UserID,
		&run.AccountID,
		&run.Status,
		&run.StartedAt,
		&run.EndedAt,
		&run.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinalizeRun transitions a running run to a terminal status
func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, status models.RunStatus, endedAt time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET status = $2, ended_at = $3
		WHERE run_id = $1 AND status = 'running'
	`

	tag, err := s.db.Exec(ctx, query, runID, status, endedAt)
	if err != nil {
		return false, fmt.Errorf("failed to finalize run: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListThreadRunIDs returns run ids for a thread in chronological order
func (s *PostgresStore) ListThreadRunIDs(ctx context.Context, threadID string) ([]string, error) {
	query := `
		SELECT run_id
		FROM runs
		WHERE thread_id = $1
		ORDER BY started_at ASC, run_id ASC
	`

	rows, err := s.db.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread runs: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread runs: %w", err)
	}

	return runIDs, nil
}

// UpsertToolStart applies a tool-start event. The CASE guard keeps a
// terminal status in place and COALESCE preserves the first observed
// started_at across duplicate deliveries.
func (s *PostgresStore) UpsertToolStart(ctx context.Context, p ToolStartParams) error {
	query := `
		INSERT INTO tool_calls (run_id, tool_key, tool_name, tool_label, agent, status, started_at, metadata)
		VALUES ($1, $2, $3, $4, $5, 'running', $6, COALESCE($7, '{}'::jsonb))
		ON CONFLICT (run_id, tool_key) DO UPDATE SET
			tool_name  = COALESCE(NULLIF(EXCLUDED.tool_name, ''), tool_calls.tool_name),
			tool_label = COALESCE(NULLIF(EXCLUDED.tool_label, ''), tool_calls.tool_label),
			agent      = COALESCE(EXCLUDED.agent, tool_calls.agent),
			status     = CASE WHEN tool_calls.status IN ('complete', 'error')
			                  THEN tool_calls.status ELSE 'running' END,
			started_at = COALESCE(tool_calls.started_at, EXCLUDED.started_at),
			metadata   = tool_calls.metadata || COALESCE(EXCLUDED.metadata, '{}'::jsonb)
	`

	_, err := s.db.Exec(ctx, query,
		p.RunID, p.ToolKey, p.ToolName, p.ToolLabel, p.Agent, p.At, metadataArg(p.Metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert tool start: %w", err)
	}

	s.touchRunActivity(ctx, p.RunID, p.At)
	return nil
}

// UpsertToolComplete applies a tool-complete event; a row that never saw a
// start is created directly in its terminal status.
func (s *PostgresStore) UpsertToolComplete(ctx context.Context, p ToolCompleteParams) error {
	query := `
		INSERT INTO tool_calls (run_id, tool_key, tool_name, tool_label, status, completed_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, '{}'::jsonb))
		ON CONFLICT (run_id, tool_key) DO UPDATE SET
			tool_name    = COALESCE(NULLIF(EXCLUDED.tool_name, ''), tool_calls.tool_name),
			tool_label   = COALESCE(NULLIF(EXCLUDED.tool_label, ''), tool_calls.tool_label),
			status       = CASE WHEN tool_calls.status IN ('complete', 'error')
			                    THEN tool_calls.status ELSE EXCLUDED.status END,
			completed_at = COALESCE(tool_calls.completed_at, EXCLUDED.completed_at),
			metadata     = tool_calls.metadata || COALESCE(EXCLUDED.metadata, '{}'::jsonb)
	`

	_, err := s.db.Exec(ctx, query,
		p.RunID, p.ToolKey, p.ToolName, p.ToolLabel, p.Status, p.At, metadataArg(p.Metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert tool complete: %w", err)
	}

	s.touchRunActivity(ctx, p.RunID, p.At)
	return nil
}

// ListToolCalls retrieves the full activity log for a run
func (s *PostgresStore) ListToolCalls(ctx context.Context, runID string) ([]models.ToolCall, error) {
	query := `
		SELECT run_id, tool_key, tool_name, tool_label, agent, status, started_at, completed_at, metadata
		FROM tool_calls
		WHERE run_id = $1
		ORDER BY started_at ASC NULLS FIRST, tool_key ASC
	`

	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ToolCall
	for rows.Next() {
		var call models.ToolCall
		var metadata []byte
		err := rows.Scan(
			&call.RunID,
			&call.ToolKey,
			&call.ToolName,
			&call.ToolLabel,
			&call.Agent,
			&call.Status,
			&call.StartedAt,
			&call.CompletedAt,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		call.Metadata = metadata
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool calls: %w", err)
	}

	return calls, nil
}

// ReclaimStaleRuns fails every run stuck in running past the cutoff with no
// newer activity
func (s *PostgresStore) ReclaimStaleRuns(ctx context.Context, cutoff time.Time, endedAt time.Time) ([]string, error) {
	query := `
		UPDATE runs
		SET status = 'error', ended_at = $2
		WHERE status = 'running'
		  AND started_at < $1
		  AND (last_activity_at IS NULL OR last_activity_at < $1)
		RETURNING run_id
	`

	rows, err := s.db.Query(ctx, query, cutoff, endedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale runs: %w", err)
	}
	defer rows.Close()

	var reclaimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan reclaimed run: %w", err)
		}
		reclaimed = append(reclaimed, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reclaimed runs: %w", err)
	}

	return reclaimed, nil
}

// FailRunningToolCalls finalizes still-running tool calls of a reclaimed run
func (s *PostgresStore) FailRunningToolCalls(ctx context.Context, runID string, at time.Time) (int64, error) {
	query := `
		UPDATE tool_calls
		SET status = 'error', completed_at = $2
		WHERE run_id = $1 AND status = 'running'
	`

	tag, err := s.db.Exec(ctx, query, runID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running tool calls: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool is owned by bootstrap
func (s *PostgresStore) Close() error {
	return nil
}

// touchRunActivity records the latest activity timestamp on the parent run.
// Best effort: the tool row is already durable and a missed touch only
// delays orphan reclaim by one sweep.
func (s *PostgresStore) touchRunActivity(ctx context.Context, runID string, at time.Time) {
	query := `
		UPDATE runs
		SET last_activity_at = GREATEST(COALESCE(last_activity_at, 'epoch'::timestamptz), $2)
		WHERE run_id = $1
	`

	_, _ = s.db.Exec(ctx, query, runID, at)
}

func metadataArg(metadata []byte) any {
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}
