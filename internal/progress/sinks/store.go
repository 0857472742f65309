package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/progress"
	"github.com/JakeFAU/opwatch/internal/store"
)

// StoreSink persists run history via a store.OperationRepository. Non-terminal
// events are collapsed per monitor to reduce write amplification.
type StoreSink struct {
	repo   store.OperationRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.OperationRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies starts immediately, collapses progress deltas, and flushes a
// monitor's pending delta before recording its completion. It respects ctx
// deadlines and returns any repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*store.ProgressDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		id := evt.MonitorUUID()
		switch evt.Stage {
		case progress.StageStart:
			if err := s.repo.UpsertRunStart(ctx, id, evt.RequestID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageUpdate, progress.StageRetry, progress.StageStale:
			delta := deltas[id]
			if delta == nil {
				delta = &store.ProgressDelta{}
				deltas[id] = delta
				order = append(order, id)
			}
			collapse(delta, evt)
		case progress.StageSucceeded, progress.StageFailed, progress.StageCanceled:
			if delta := deltas[id]; delta != nil {
				if err := s.repo.RecordProgress(ctx, id, *delta); err != nil {
					return fmt.Errorf("record progress: %w", err)
				}
				delete(deltas, id)
			}
			if err := s.repo.CompleteRun(ctx, id, completion(evt)); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}

	for _, id := range order {
		delta, ok := deltas[id]
		if !ok {
			continue
		}
		if err := s.repo.RecordProgress(ctx, id, *delta); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
	}
	return nil
}

func collapse(delta *store.ProgressDelta, evt progress.Event) {
	switch evt.Stage {
	case progress.StageRetry:
		delta.Retries++
	case progress.StageStale:
		delta.StaleBatches++
	}
	if evt.Percent > delta.Percent {
		delta.Percent = evt.Percent
	}
	if evt.TS.After(delta.At) {
		delta.At = evt.TS
	}
}

func completion(evt progress.Event) store.Completion {
	c := store.Completion{
		FinishedAt:  evt.TS,
		Percent:     evt.Percent,
		FailedTasks: evt.FailedTasks,
	}
	switch evt.Stage {
	case progress.StageSucceeded:
		c.Status = store.RunSucceeded
	case progress.StageFailed:
		c.Status = store.RunFailed
		reason := string(evt.Reason)
		c.Reason = &reason
		if evt.Note != "" {
			note := evt.Note
			c.ErrorMessage = &note
		}
	default:
		c.Status = store.RunCanceled
	}
	return c
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
