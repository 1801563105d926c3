package models

import (
	"time"
)

// RunStatus represents the lifecycle state of an advisory run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusError    RunStatus = "error"
)

// IsTerminal reports whether the status can no longer change
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusComplete || s == RunStatusError
}

// Run represents one end-to-end advisory invocation
// Maps to: runs table
type Run struct {
	// Opaque, globally unique id minted by the streaming transport
	RunID string `db:"run_id" json:"run_id"`

	// Conversation thread this run belongs to
	ThreadID string `db:"thread_id" json:"thread_id"`

	// Owning identity and brokerage account
	UserID    string `db:"user_id" json:"user_id"`
	AccountID string `db:"account_id" json:"account_id"`

	// running -> complete | error, never backwards
	Status RunStatus `db:"status" json:"status"`

	StartedAt time.Time  `db:"started_at" json:"started_at"`
	EndedAt   *time.Time `db:"ended_at" json:"ended_at,omitempty"`

	// Timestamp of the most recent tool activity; drives the
	// "no activity since" condition of the orphan sweep
	LastActivityAt *time.Time `db:"last_activity_at" json:"last_activity_at,omitempty"`
}
