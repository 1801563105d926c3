// Package timeline derives display-ready run timelines from tool-call
// activity logs. The builder is pure: it is handed an immutable snapshot of
// the activity set on every request and produces a fresh step sequence, so
// there is no shared timeline state to protect.
package timeline

import (
	"sort"
	"time"

	"github.com/meridian/advisory/common/models"
	"github.com/meridian/advisory/common/toolname"
)

// DefaultDoneLabel is the label of the synthetic terminal step
const DefaultDoneLabel = "Done"

// Config controls timeline derivation. The zero value is usable: defaults
// are applied by New.
type Config struct {
	// MinActivities is the minimum number of activities a run must have
	// before any timeline is shown (avoids flashing a timeline for a run
	// that has produced no visible signal yet). Default 1.
	MinActivities int

	// CompletionMarker is the reserved tool identifier whose presence in
	// the activity set authoritatively signals run completion
	CompletionMarker string

	// HandoffTool is the identifier shown only once its status is
	// complete; an in-progress hand-off is suppressed entirely
	HandoffTool string

	// DoneLabel names the synthetic terminal step
	DoneLabel string
}

// Builder turns a run's activity log into an ordered step sequence.
// Construct one per configuration with New; instances are independent and
// safe for concurrent use since builds share no mutable state.
type Builder struct {
	cfg    Config
	mapper toolname.Mapper
}

// New creates a Builder. A nil mapper falls back to the built-in table.
func New(cfg Config, mapper toolname.Mapper) *Builder {
	if cfg.MinActivities <= 0 {
		cfg.MinActivities = 1
	}
	if cfg.CompletionMarker == "" {
		cfg.CompletionMarker = toolname.CompletionMarker
	}
	if cfg.HandoffTool == "" {
		cfg.HandoffTool = toolname.HandoffTool
	}
	if cfg.DoneLabel == "" {
		cfg.DoneLabel = DefaultDoneLabel
	}
	if mapper == nil {
		mapper = toolname.DefaultTable()
	}
	return &Builder{cfg: cfg, mapper: mapper}
}

// BuildForRun derives the ordered timeline for runID from an unordered
// activity snapshot. Output is deterministic for a given activity set
// regardless of input order, and malformed rows degrade (no label: skipped,
// no timestamp: sorts first) rather than fail.
func (b *Builder) BuildForRun(runID string, activities []models.ToolCall) []models.TimelineStep {
	// Select this run's activities. Completion detection later runs
	// against this pre-noise-filter set so the completion marker counts
	// even though it is never displayed.
	runActivities := make([]models.ToolCall, 0, len(activities))
	for _, a := range activities {
		if a.RunID == runID {
			runActivities = append(runActivities, a)
		}
	}
	if len(runActivities) < b.cfg.MinActivities {
		return nil
	}

	visible := make([]models.ToolCall, 0, len(runActivities))
	for _, a := range runActivities {
		if a.ToolName == b.cfg.HandoffTool {
			// An in-progress hand-off would render a duplicate
			// "in progress" step right before the terminal one
			if a.Status != models.ToolCallStatusComplete {
				continue
			}
		} else if b.mapper.ShouldFilterTool(a.ToolName) {
			continue
		}
		visible = append(visible, a)
	}

	// Chronological order; rows without a timestamp sort first, equal
	// timestamps break ties on tool key so output never depends on input
	// order.
	sort.SliceStable(visible, func(i, j int) bool {
		ti, tj := startTime(visible[i]), startTime(visible[j])
		if ti.Equal(tj) {
			return visible[i].ToolKey < visible[j].ToolKey
		}
		return ti.Before(tj)
	})

	// Merge by label: one visible step per distinct label, flags folded
	// across every contributing row. A recurring label settles at the
	// position of its last occurrence.
	steps := make(map[string]*models.TimelineStep)
	order := make([]string, 0, len(visible))
	for _, a := range visible {
		label, ok := b.mapper.MapToolName(a.ToolName)
		if !ok {
			continue
		}

		step, seen := steps[label]
		if !seen {
			step = &models.TimelineStep{
				ID:        a.ToolKey,
				Label:     label,
				Timestamp: startTime(a),
			}
			steps[label] = step
			order = append(order, label)
		} else {
			for i, l := range order {
				if l == label {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
			order = append(order, label)
			step.Timestamp = startTime(a)
		}

		if a.Status.IsTerminal() {
			step.IsComplete = true
			step.IsRunning = false
		} else if !step.IsComplete {
			step.IsRunning = true
		}
	}

	result := make([]models.TimelineStep, 0, len(order)+1)
	for _, label := range order {
		result = append(result, *steps[label])
	}

	if b.runFinished(runActivities) {
		// A completed run must never show a pulsing indicator
		for i := range result {
			result[i].IsRunning = false
		}
		result = append(result, models.TimelineStep{
			ID:         runID + ":done",
			Label:      b.cfg.DoneLabel,
			IsComplete: true,
			Timestamp:  lastActivityTime(runActivities),
		})
	}

	if len(result) > 0 {
		result[len(result)-1].IsLast = true
	}
	return result
}

// runFinished decides whether the synthetic Done step applies. The marker
// wins outright; otherwise every activity must have completed. Any activity
// still running, or errored, keeps Done off so a multi-agent hand-off in
// flight never shows a premature terminal step.
func (b *Builder) runFinished(activities []models.ToolCall) bool {
	for _, a := range activities {
		if a.ToolName == b.cfg.CompletionMarker {
			return true
		}
	}
	for _, a := range activities {
		if a.Status != models.ToolCallStatusComplete {
			return false
		}
	}
	return true
}

func startTime(a models.ToolCall) time.Time {
	if a.StartedAt == nil {
		return time.Time{}
	}
	return *a.StartedAt
}

// lastActivityTime returns the latest known timestamp in the set, preferring
// completion times over start times.
func lastActivityTime(activities []models.ToolCall) time.Time {
	var latest time.Time
	for _, a := range activities {
		if a.CompletedAt != nil && a.CompletedAt.After(latest) {
			latest = *a.CompletedAt
		}
		if a.StartedAt != nil && a.StartedAt.After(latest) {
			latest = *a.StartedAt
		}
	}
	return latest
}
