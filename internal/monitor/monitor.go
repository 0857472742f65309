// Package monitor implements the progress monitor: a state machine that tracks one server
// request id, polls its status source, and reports aggregated progress until the request
// succeeds, fails, or the caller cancels.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/clock/system"
	"github.com/JakeFAU/opwatch/internal/guard"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/progress"
	"github.com/JakeFAU/opwatch/internal/retry"
)

// Phase is the monitor's own lifecycle state.
type Phase string

// Monitor phases. SUCCEEDED, FAILED and CANCELED are terminal.
const (
	PhaseIdle      Phase = "IDLE"
	PhasePolling   Phase = "POLLING"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
	PhaseCanceled  Phase = "CANCELED"
)

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCanceled
}

var (
	// ErrAlreadyStarted is returned by Start when the monitor is not idle.
	ErrAlreadyStarted = errors.New("monitor already started")
	// ErrEmptyRequestID is returned by Start for an empty request id.
	ErrEmptyRequestID = errors.New("request id is required")
	// ErrStillPolling is returned by Reset while a run is active.
	ErrStillPolling = errors.New("monitor is still polling")
)

const defaultPollInterval = 4 * time.Second

// Config controls polling cadence.
type Config struct {
	// PollInterval is the wait between the end of one fetch and the start of the next.
	PollInterval time.Duration
	// Deadline bounds the whole run; zero polls until a terminal state.
	Deadline time.Duration
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEmitter forwards lifecycle events to emitter.
func WithEmitter(emitter progress.Emitter) Option {
	return func(m *Monitor) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(clock operation.Clock) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Monitor) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithID sets the monitor id used in progress events.
func WithID(id uuid.UUID) Option {
	return func(m *Monitor) {
		m.id = id
	}
}

// Monitor tracks exactly one request id at a time. All methods are safe for concurrent use.
// Callbacks run sequentially on the monitor's goroutine; they may call Status or Cancel.
type Monitor struct {
	id      uuid.UUID
	source  operation.StatusSource
	cfg     Config
	policy  retry.Policy
	clock   operation.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	guard   *guard.Guard

	mu         sync.Mutex
	phase      Phase
	status     operation.Operation
	tasks      []operation.SubTaskSnapshot
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
	onUpdate   []func(operation.Operation)
	onTerminal []func(operation.Operation)
}

// New builds an idle Monitor polling source.
func New(source operation.StatusSource, cfg Config, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	m := &Monitor{
		id:      uuid.New(),
		source:  source,
		cfg:     cfg,
		policy:  retry.NewExponential(),
		clock:   system.New(),
		emitter: progress.NopEmitter{},
		logger:  zap.NewNop(),
		guard:   guard.New(""),
		phase:   PhaseIdle,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status = operation.Operation{State: operation.StatePending, UpdatedAt: m.clock.Now()}
	m.logger = m.logger.With(zap.String("monitor_id", m.id.String()))
	return m
}

// ID returns the monitor id.
func (m *Monitor) ID() uuid.UUID {
	return m.id
}

// OnUpdate registers fn to receive the status after every accepted update, including the
// final one.
func (m *Monitor) OnUpdate(fn func(operation.Operation)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = append(m.onUpdate, fn)
}

// OnTerminal registers fn to receive the status once the run succeeds or fails. It is not
// invoked for cancellation.
func (m *Monitor) OnTerminal(fn func(operation.Operation)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = append(m.onTerminal, fn)
}

// Status returns a copy of the current status.
func (m *Monitor) Status() operation.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Clone()
}

// Phase returns the monitor phase.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Tasks returns a copy of the last accepted sub-task set.
func (m *Monitor) Tasks() []operation.SubTaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]operation.SubTaskSnapshot(nil), m.tasks...)
}

// StartedAt returns when the current run entered POLLING, or the zero time.
func (m *Monitor) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Done is closed once the current run stops issuing fetches.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Start moves IDLE -> POLLING, adopts requestID, and issues the first fetch immediately. ctx
// bounds the whole run: once it is done the run stops as if Cancel had been called.
func (m *Monitor) Start(ctx context.Context, requestID string) error {
	if requestID == "" {
		return ErrEmptyRequestID
	}
	m.mu.Lock()
	if m.phase != PhaseIdle {
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("%w: phase %s", ErrAlreadyStarted, phase)
	}
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(ctx)
	if m.cfg.Deadline > 0 {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithTimeoutCause(runCtx, m.cfg.Deadline, operation.ErrDeadlineExceeded)
		parentCancel := cancel
		cancel = func() {
			cancelDeadline()
			parentCancel()
		}
	}
	m.cancel = cancel
	m.guard.Track(requestID)
	m.phase = PhasePolling
	m.startedAt = m.clock.Now()
	m.status = operation.Operation{
		RequestID: requestID,
		State:     operation.StatePending,
		UpdatedAt: m.startedAt,
	}
	m.tasks = nil
	done := m.done
	m.mu.Unlock()

	m.logger.Info("monitor started",
		zap.String("request_id", requestID),
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Duration("deadline", m.cfg.Deadline),
	)
	m.emit(progress.Event{RequestID: requestID, Stage: progress.StageStart, State: operation.StatePending})

	go m.run(runCtx, gen, requestID, done)
	return nil
}

// Cancel stops the run from any non-terminal phase. No OnUpdate or OnTerminal callback starts
// after Cancel returns, and a response already in flight is discarded. It is idempotent.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	if m.phase.Terminal() {
		m.mu.Unlock()
		return
	}
	wasIdle := m.phase == PhaseIdle
	m.phase = PhaseCanceled
	m.status.State = operation.StateCanceled
	m.status.UpdatedAt = m.clock.Now()
	cancel := m.cancel
	m.cancel = nil
	done := m.done
	requestID := m.status.RequestID
	runtime := m.runtimeLocked()
	percent := m.status.Percent
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasIdle {
		close(done)
		return
	}
	m.logger.Info("monitor canceled", zap.String("request_id", requestID))
	m.emit(progress.Event{
		RequestID: requestID,
		Stage:     progress.StageCanceled,
		State:     operation.StateCanceled,
		Percent:   percent,
		Dur:       runtime,
	})
}

// Reset clears the tracked request id and snapshot set so the monitor can Start again. It is
// only valid while idle or terminal. Registered callbacks are kept.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhasePolling {
		return ErrStillPolling
	}
	if m.phase == PhaseIdle {
		return nil
	}
	m.gen++
	m.guard.Reset()
	m.phase = PhaseIdle
	m.tasks = nil
	m.startedAt = time.Time{}
	m.status = operation.Operation{State: operation.StatePending, UpdatedAt: m.clock.Now()}
	m.cancel = nil
	m.done = make(chan struct{})
	return nil
}

// Wait blocks until the run stops or ctx is done. It returns the final status and, for a
// failed run, the failure as an error; a canceled run returns operation.ErrCanceled.
func (m *Monitor) Wait(ctx context.Context) (operation.Operation, error) {
	select {
	case <-m.Done():
	case <-ctx.Done():
		return m.Status(), fmt.Errorf("wait for monitor: %w", ctx.Err())
	}
	op := m.Status()
	switch op.State {
	case operation.StateFailed:
		if op.Failure != nil {
			return op, op.Failure.Err()
		}
		return op, operation.ErrTaskFailure
	case operation.StateCanceled:
		return op, operation.ErrCanceled
	default:
		return op, nil
	}
}

func (m *Monitor) emit(evt progress.Event) {
	evt.MonitorID = progress.UUIDToBytes(m.id)
	if evt.TS.IsZero() {
		evt.TS = m.clock.Now()
	}
	m.emitter.Emit(evt)
}

func (m *Monitor) runtimeLocked() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	d := m.clock.Now().Sub(m.startedAt)
	if d < 0 {
		return 0
	}
	return d
}
