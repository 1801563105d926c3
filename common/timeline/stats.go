package timeline

import (
	"time"

	"github.com/meridian/advisory/common/models"
)

// ActivityStats is a read-only aggregation over an activity set, used for
// diagnostics rather than the render path.
type ActivityStats struct {
	Total         int            `json:"total"`
	Completed     int            `json:"completed"`
	Running       int            `json:"running"`
	DistinctTools int            `json:"distinct_tools"`
	Span          *time.Duration `json:"span,omitempty"`
}

// Stats aggregates the activity set, optionally scoped to one run (empty
// runID means the whole set). Span is the distance between the earliest and
// latest start timestamps and is nil when fewer than two activities carry
// one.
func Stats(activities []models.ToolCall, runID string) ActivityStats {
	var stats ActivityStats
	tools := make(map[string]struct{})

	var earliest, latest *time.Time
	timestamped := 0

	for _, a := range activities {
		if runID != "" && a.RunID != runID {
			continue
		}
		stats.Total++
		switch a.Status {
		case models.ToolCallStatusComplete:
			stats.Completed++
		case models.ToolCallStatusRunning:
			stats.Running++
		}
		tools[a.ToolName] = struct{}{}

		if a.StartedAt != nil {
			timestamped++
			t := *a.StartedAt
			if earliest == nil || t.Before(*earliest) {
				earliest = &t
			}
			if latest == nil || t.After(*latest) {
				latest = &t
			}
		}
	}

	stats.DistinctTools = len(tools)
	if timestamped >= 2 {
		span := latest.Sub(*earliest)
		stats.Span = &span
	}
	return stats
}
