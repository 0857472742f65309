package monitor

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/aggregate"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/progress"
	"github.com/JakeFAU/opwatch/internal/retry"
)

// run is the polling loop for one generation. Every state change is applied only if gen is
// still current and the monitor is still POLLING, which is what discards in-flight
// responses after Cancel or Reset.
func (m *Monitor) run(ctx context.Context, gen uint64, requestID string, done chan struct{}) {
	defer close(done)
	for {
		started := time.Now()
		batch, err := retry.Do(ctx, m.policy, requestID, func(ctx context.Context) (operation.SnapshotBatch, error) {
			return m.source.FetchStatus(ctx, requestID)
		}, m.retryHook(gen))
		latency := time.Since(started)

		if ctx.Err() != nil {
			m.interrupted(ctx, gen)
			return
		}
		if err != nil {
			m.fail(gen, err, nil)
			return
		}
		if !m.guard.Accept(batch.RequestID) {
			m.stale(gen, batch.RequestID)
		} else {
			res, aggErr := aggregate.Aggregate(batch.Tasks)
			if aggErr != nil {
				m.fail(gen, aggErr, nil)
				return
			}
			if m.apply(gen, batch, res, latency) {
				return
			}
		}

		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.interrupted(ctx, gen)
			return
		case <-timer.C:
		}
	}
}

// apply records an accepted batch and reports whether the run reached a terminal state.
func (m *Monitor) apply(gen uint64, batch operation.SnapshotBatch, res aggregate.Result, latency time.Duration) bool {
	if res.State == operation.StateFailed {
		m.fail(gen, &operation.TaskFailureError{TaskIDs: res.FailedTaskIDs}, &res)
		return true
	}

	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return true
	}
	percent := res.Percent
	if percent < m.status.Percent {
		percent = m.status.Percent
	}
	m.tasks = batch.CloneTasks()
	m.status.State = res.State
	m.status.Percent = percent
	m.status.Hosts = res.Hosts
	m.status.FailedTasks = nil
	m.status.UpdatedAt = m.clock.Now()
	terminal := res.State == operation.StateSucceeded
	if terminal {
		m.phase = PhaseSucceeded
		m.releaseLocked()
	}
	snapshot := m.status.Clone()
	runtime := m.runtimeLocked()
	m.mu.Unlock()

	m.logger.Debug("status applied",
		zap.String("request_id", snapshot.RequestID),
		zap.String("state", string(snapshot.State)),
		zap.Int("percent", snapshot.Percent),
		zap.Int("tasks", res.Total),
		zap.Duration("latency", latency),
	)
	m.emit(progress.Event{
		RequestID: snapshot.RequestID,
		Stage:     progress.StageUpdate,
		State:     snapshot.State,
		Percent:   snapshot.Percent,
		Dur:       latency,
	})
	m.deliver(gen, m.updateCallbacks(), snapshot)
	if !terminal {
		return false
	}

	m.logger.Info("operation succeeded",
		zap.String("request_id", snapshot.RequestID),
		zap.Duration("runtime", runtime),
	)
	m.emit(progress.Event{
		RequestID: snapshot.RequestID,
		Stage:     progress.StageSucceeded,
		State:     operation.StateSucceeded,
		Percent:   snapshot.Percent,
		Dur:       runtime,
	})
	m.deliverTerminal(gen, snapshot)
	return true
}

// fail moves POLLING -> FAILED. res carries the aggregated batch for task failures.
func (m *Monitor) fail(gen uint64, cause error, res *aggregate.Result) {
	// Unclassified errors skip retry.Do and count as a bad response, not an unreachable server.
	reason, ok := operation.ReasonFor(cause)
	if !ok {
		reason = operation.ReasonAggregationError
	}
	failure := &operation.Failure{Reason: reason, Message: cause.Error()}

	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	if res != nil {
		if res.Percent > m.status.Percent {
			m.status.Percent = res.Percent
		}
		m.status.Hosts = res.Hosts
		m.status.FailedTasks = append([]string(nil), res.FailedTaskIDs...)
		failure.FailedTasks = append([]string(nil), res.FailedTaskIDs...)
	}
	m.phase = PhaseFailed
	m.status.State = operation.StateFailed
	m.status.Failure = failure
	m.status.UpdatedAt = m.clock.Now()
	m.releaseLocked()
	snapshot := m.status.Clone()
	runtime := m.runtimeLocked()
	m.mu.Unlock()

	m.logger.Warn("operation failed",
		zap.String("request_id", snapshot.RequestID),
		zap.String("reason", string(reason)),
		zap.Strings("failed_tasks", failure.FailedTasks),
		zap.Error(cause),
	)
	m.emit(progress.Event{
		RequestID:   snapshot.RequestID,
		Stage:       progress.StageFailed,
		State:       operation.StateFailed,
		Percent:     snapshot.Percent,
		Reason:      reason,
		FailedTasks: failure.FailedTasks,
		Dur:         runtime,
		Note:        failure.Message,
	})
	m.deliver(gen, m.updateCallbacks(), snapshot)
	m.deliverTerminal(gen, snapshot)
}

// stale logs and counts a batch carrying another request id. Nothing else changes.
func (m *Monitor) stale(gen uint64, carried string) {
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	requestID := m.status.RequestID
	percent := m.status.Percent
	state := m.status.State
	m.mu.Unlock()

	m.logger.Warn("discarding stale status batch",
		zap.String("request_id", requestID),
		zap.String("carried_request_id", carried),
	)
	m.emit(progress.Event{
		RequestID: requestID,
		Stage:     progress.StageStale,
		State:     state,
		Percent:   percent,
		Note:      carried,
	})
}

// interrupted handles a done run context. Cancel has already done the bookkeeping when it is
// the cause; otherwise the deadline fired or the caller's context ended.
func (m *Monitor) interrupted(ctx context.Context, gen uint64) {
	if errors.Is(context.Cause(ctx), operation.ErrDeadlineExceeded) {
		m.mu.Lock()
		deadline := m.cfg.Deadline
		m.mu.Unlock()
		m.fail(gen, &deadlineError{after: deadline}, nil)
		return
	}
	m.mu.Lock()
	if !m.currentLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseCanceled
	m.status.State = operation.StateCanceled
	m.status.UpdatedAt = m.clock.Now()
	m.releaseLocked()
	requestID := m.status.RequestID
	percent := m.status.Percent
	runtime := m.runtimeLocked()
	m.mu.Unlock()

	m.logger.Info("monitor context ended", zap.String("request_id", requestID), zap.Error(ctx.Err()))
	m.emit(progress.Event{
		RequestID: requestID,
		Stage:     progress.StageCanceled,
		State:     operation.StateCanceled,
		Percent:   percent,
		Dur:       runtime,
	})
}

func (m *Monitor) retryHook(gen uint64) retry.Hook {
	return func(attempt operation.PollAttempt, err error) {
		m.mu.Lock()
		current := m.currentLocked(gen)
		percent := m.status.Percent
		state := m.status.State
		m.mu.Unlock()
		if !current {
			return
		}
		m.logger.Warn("status fetch failed, retrying",
			zap.String("request_id", attempt.RequestID),
			zap.Int("attempt", attempt.Attempt),
			zap.Duration("backoff", attempt.Delay),
			zap.Error(err),
		)
		m.emit(progress.Event{
			RequestID: attempt.RequestID,
			Stage:     progress.StageRetry,
			State:     state,
			Percent:   percent,
			Attempt:   attempt.Attempt,
			Dur:       attempt.Delay,
			Note:      err.Error(),
		})
	}
}

// currentLocked reports whether gen still owns the monitor. Callers hold m.mu.
func (m *Monitor) currentLocked(gen uint64) bool {
	return m.gen == gen && m.phase == PhasePolling
}

// releaseLocked drops the run's cancel func after a terminal transition. Callers hold m.mu.
func (m *Monitor) releaseLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) updateCallbacks() []func(operation.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.onUpdate)
}

func (m *Monitor) deliverTerminal(gen uint64, snapshot operation.Operation) {
	m.mu.Lock()
	fns := slices.Clone(m.onTerminal)
	m.mu.Unlock()
	m.deliver(gen, fns, snapshot)
}

// deliver invokes fns in order, skipping the rest once the run was canceled or reset.
func (m *Monitor) deliver(gen uint64, fns []func(operation.Operation), snapshot operation.Operation) {
	for _, fn := range fns {
		if !m.delivering(gen) {
			return
		}
		fn(snapshot.Clone())
	}
}

// delivering reports whether callbacks for gen may still run: the generation is current and
// the monitor was not canceled.
func (m *Monitor) delivering(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.phase != PhaseCanceled && m.phase != PhaseIdle
}

type deadlineError struct {
	after time.Duration
}

func (e *deadlineError) Error() string {
	return "no terminal state within " + e.after.String()
}

func (e *deadlineError) Unwrap() error {
	return operation.ErrDeadlineExceeded
}
