package models

// MessageRole identifies the author of a display message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a display message held by the conversation client. The engine
// never persists these; they exist so the backfill reconciler can repair
// missing run correlations on locally held history.
type Message struct {
	ID      string      `json:"id"`
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`

	// Empty until the run correlation is known
	RunID string `json:"run_id,omitempty"`
}
