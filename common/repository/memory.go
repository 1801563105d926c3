package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/meridian/advisory/common/models"
)

// MemoryStore is an in-process Store used for tests and single-node
// deployments. Guard semantics mirror the Postgres implementation exactly,
// so service tests exercised against it hold for both backends.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*models.Run
	toolCalls map[string]map[string]*models.ToolCall
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*models.Run),
		toolCalls: make(map[string]map[string]*models.ToolCall),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *models.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return false, nil
	}

	stored := *run
	s.runs[run.RunID] = &stored
	return true, nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}

	copied := *run
	return &copied, nil
}

func (s *MemoryStore) FinalizeRun(_ context.Context, runID string, status models.RunStatus, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != models.RunStatusRunning {
		return false, nil
	}

	run.Status = status
	ended := endedAt
	run.EndedAt = &ended
	return true, nil
}

func (s *MemoryStore) ListThreadRunIDs(_ context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Run
	for _, run := range s.runs {
		if run.ThreadID == threadID {
			matched = append(matched, run)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].RunID < matched[j].RunID
		}
		return matched[i].StartedAt.Before(matched[j].StartedAt)
	})

	runIDs := make([]string, 0, len(matched))
	for _, run := range matched {
		runIDs = append(runIDs, run.RunID)
	}
	return runIDs, nil
}

func (s *MemoryStore) UpsertToolStart(_ context.Context, p ToolStartParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.getOrCreateCall(p.RunID, p.ToolKey)

	if p.ToolName != "" {
		call.ToolName = p.ToolName
	}
	if p.ToolLabel != "" {
		call.ToolLabel = p.ToolLabel
	}
	if p.Agent != nil {
		call.Agent = p.Agent
	}
	if !call.Status.IsTerminal() {
		call.Status = models.ToolCallStatusRunning
	}
	if call.StartedAt == nil {
		started := p.At
		call.StartedAt = &started
	}
	call.Metadata = mergeMetadata(call.Metadata, p.Metadata)

	s.touchRun(p.RunID, p.At)
	return nil
}

func (s *MemoryStore) UpsertToolComplete(_ context.Context, p ToolCompleteParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.getOrCreateCall(p.RunID, p.ToolKey)

	if p.ToolName != "" {
		call.ToolName = p.ToolName
	}
	if p.ToolLabel != "" {
		call.ToolLabel = p.ToolLabel
	}
	if !call.Status.IsTerminal() {
		call.Status = p.Status
	}
	if call.CompletedAt == nil {
		completed := p.At
		call.CompletedAt = &completed
	}
	call.Metadata = mergeMetadata(call.Metadata, p.Metadata)

	s.touchRun(p.RunID, p.At)
	return nil
}

func (s *MemoryStore) ListToolCalls(_ context.Context, runID string) ([]models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey, ok := s.toolCalls[runID]
	if !ok {
		return nil, nil
	}

	calls := make([]models.ToolCall, 0, len(byKey))
	for _, call := range byKey {
		calls = append(calls, *call)
	}

	sort.Slice(calls, func(i, j int) bool {
		ti, tj := startTime(calls[i]), startTime(calls[j])
		if ti.Equal(tj) {
			return calls[i].ToolKey < calls[j].ToolKey
		}
		return ti.Before(tj)
	})

	return calls, nil
}

func (s *MemoryStore) ReclaimStaleRuns(_ context.Context, cutoff time.Time, endedAt time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for _, run := range s.runs {
		if run.Status != models.RunStatusRunning {
			continue
		}
		if !run.StartedAt.Before(cutoff) {
			continue
		}
		if run.LastActivityAt != nil && !run.LastActivityAt.Before(cutoff) {
			continue
		}

		run.Status = models.RunStatusError
		ended := endedAt
		run.EndedAt = &ended
		reclaimed = append(reclaimed, run.RunID)
	}

	sort.Strings(reclaimed)
	return reclaimed, nil
}

func (s *MemoryStore) FailRunningToolCalls(_ context.Context, runID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed int64
	for _, call := range s.toolCalls[runID] {
		if call.Status != models.ToolCallStatusRunning {
			continue
		}
		call.Status = models.ToolCallStatusError
		completed := at
		call.CompletedAt = &completed
		failed++
	}

	return failed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) getOrCreateCall(runID, toolKey string) *models.ToolCall {
	byKey, ok := s.toolCalls[runID]
	if !ok {
		byKey = make(map[string]*models.ToolCall)
		s.toolCalls[runID] = byKey
	}

	call, ok := byKey[toolKey]
	if !ok {
		call = &models.ToolCall{
			RunID:   runID,
			ToolKey: toolKey,
		}
		byKey[toolKey] = call
	}
	return call
}

func (s *MemoryStore) touchRun(runID string, at time.Time) {
	run, ok := s.runs[runID]
	if !ok {
		return
	}
	if run.LastActivityAt == nil || run.LastActivityAt.Before(at) {
		touched := at
		run.LastActivityAt = &touched
	}
}

func mergeMetadata(existing, incoming []byte) []byte {
	if len(incoming) == 0 {
		return existing
	}
	if len(existing) == 0 {
		return incoming
	}

	merged, err := jsonpatch.MergePatch(existing, incoming)
	if err != nil {
		return existing
	}
	return merged
}

func startTime(call models.ToolCall) time.Time {
	if call.StartedAt == nil {
		return time.Time{}
	}
	return *call.StartedAt
}
