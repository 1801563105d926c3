package models

import (
	"encoding/json"
	"time"
)

// ToolCallStatus represents the lifecycle state of a single tool invocation
type ToolCallStatus string

const (
	ToolCallStatusRunning  ToolCallStatus = "running"
	ToolCallStatusComplete ToolCallStatus = "complete"
	ToolCallStatusError    ToolCallStatus = "error"
)

// IsTerminal reports whether the status can no longer change
func (s ToolCallStatus) IsTerminal() bool {
	return s == ToolCallStatusComplete || s == ToolCallStatusError
}

// ToolCall represents one internal operation an agent performed during a run.
// Addressed by the composite key (run_id, tool_key): the same tool name may be
// invoked several times within a run if the caller mints distinct keys, while
// repeated upserts to the same key merge into one row.
// Maps to: tool_calls table
type ToolCall struct {
	RunID string `db:"run_id" json:"run_id"`

	// Caller-assigned invocation key, unique within the run
	ToolKey string `db:"tool_key" json:"tool_key"`

	// Internal tool identifier, used for noise filtering and the
	// completion-marker check
	ToolName string `db:"tool_name" json:"tool_name"`

	// Display label at time of write, persisted for audit
	ToolLabel string `db:"tool_label" json:"tool_label"`

	// Optional sub-agent identifier for multi-agent advisory graphs
	Agent *string `db:"agent" json:"agent,omitempty"`

	// running -> complete | error, never backwards
	Status ToolCallStatus `db:"status" json:"status"`

	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	// Opaque key/value bag, merged across upserts
	Metadata json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}
