package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/opwatch/internal/store"
)

// OperationStore implements store.OperationRepository in memory.
type OperationStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.OperationRun
}

var _ store.OperationRepository = (*OperationStore)(nil)

// NewOperationStore constructs an empty OperationStore.
func NewOperationStore() *OperationStore {
	return &OperationStore{runs: make(map[uuid.UUID]store.OperationRun)}
}

// UpsertRunStart inserts the run; an existing row is left untouched.
func (s *OperationStore) UpsertRunStart(_ context.Context, monitorID uuid.UUID, requestID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[monitorID]; ok {
		return nil
	}
	s.runs[monitorID] = store.OperationRun{
		MonitorID: monitorID,
		RequestID: requestID,
		StartedAt: startedAt,
		Status:    store.RunRunning,
		UpdatedAt: startedAt,
	}
	return nil
}

// RecordProgress raises the percent and adds counter deltas.
func (s *OperationStore) RecordProgress(_ context.Context, monitorID uuid.UUID, delta store.ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[monitorID]
	if !ok {
		return store.ErrNotFound
	}
	if delta.Percent > run.Percent {
		run.Percent = delta.Percent
	}
	run.Retries += delta.Retries
	run.StaleBatches += delta.StaleBatches
	if delta.At.After(run.UpdatedAt) {
		run.UpdatedAt = delta.At
	}
	s.runs[monitorID] = run
	return nil
}

// CompleteRun marks the run terminal.
func (s *OperationStore) CompleteRun(_ context.Context, monitorID uuid.UUID, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[monitorID]
	if !ok {
		return store.ErrNotFound
	}
	finished := c.FinishedAt
	run.FinishedAt = &finished
	run.Status = c.Status
	if c.Percent > run.Percent {
		run.Percent = c.Percent
	}
	run.Reason = c.Reason
	run.ErrorMessage = c.ErrorMessage
	run.FailedTasks = append([]string(nil), c.FailedTasks...)
	run.UpdatedAt = finished
	s.runs[monitorID] = run
	return nil
}

// GetRun fetches a run by monitor id.
func (s *OperationStore) GetRun(_ context.Context, monitorID uuid.UUID) (store.OperationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[monitorID]
	if !ok {
		return store.OperationRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs filtered by optional status, newest first.
func (s *OperationStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.OperationRun, error) {
	return s.list(func(r store.OperationRun) bool {
		return status == nil || r.Status == *status
	}, limit, offset), nil
}

// ListRunsByRequest returns runs that tracked requestID, newest first.
func (s *OperationStore) ListRunsByRequest(_ context.Context, requestID string, limit, offset int) ([]store.OperationRun, error) {
	return s.list(func(r store.OperationRun) bool {
		return r.RequestID == requestID
	}, limit, offset), nil
}

func (s *OperationStore) list(keep func(store.OperationRun) bool, limit, offset int) []store.OperationRun {
	s.mu.RLock()
	out := make([]store.OperationRun, 0, len(s.runs))
	for _, run := range s.runs {
		if keep(run) {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].MonitorID.String() < out[j].MonitorID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.OperationRun{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
