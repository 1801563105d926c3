package models

import "time"

// TimelineStep is a derived, display-ready summary of the tool calls sharing
// one label within a run. Steps are rebuilt from scratch on every request and
// never persisted.
type TimelineStep struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	IsComplete bool      `json:"is_complete"`
	IsRunning  bool      `json:"is_running"`
	IsLast     bool      `json:"is_last"`
	Timestamp  time.Time `json:"timestamp"`
}
