// Package registry owns the set of running monitors. Each tracked request gets its own
// monitor, scoped to the registry rather than to process-wide state, and finished runs are
// archived as JSON reports.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/clock/system"
	iduuid "github.com/JakeFAU/opwatch/internal/id/uuid"
	"github.com/JakeFAU/opwatch/internal/metrics"
	"github.com/JakeFAU/opwatch/internal/monitor"
	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/progress"
	"github.com/JakeFAU/opwatch/internal/report"
	"github.com/JakeFAU/opwatch/internal/retry"
)

// Kind selects the polling cadence of a monitor.
type Kind string

// Monitor kinds. Version installs are polled a little less often than regular requests.
const (
	KindOperation Kind = "operation"
	KindVersion   Kind = "version"
)

// ParseKind maps user input onto a Kind; empty input means KindOperation.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case "", KindOperation:
		return KindOperation, nil
	case KindVersion:
		return KindVersion, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

var (
	// ErrNotFound is returned for an unknown monitor id.
	ErrNotFound = errors.New("monitor not found")
	// ErrCapacity is returned when MaxMonitors are already polling.
	ErrCapacity = errors.New("too many active monitors")
	// ErrDuplicate is returned when the request is already being tracked.
	ErrDuplicate = errors.New("request is already being monitored")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry is closed")
	// ErrUnknownKind is returned for an unsupported monitor kind.
	ErrUnknownKind = errors.New("unknown monitor kind")
)

const (
	defaultOperationInterval = 4 * time.Second
	defaultVersionInterval   = 5 * time.Second
	defaultArchiveTimeout    = 10 * time.Second
)

// Config controls monitor construction.
type Config struct {
	OperationPollInterval time.Duration
	VersionPollInterval   time.Duration
	// Deadline bounds every run; zero means unbounded.
	Deadline time.Duration
	// MaxMonitors caps concurrently polling monitors; zero means unlimited.
	MaxMonitors    int
	ArchiveTimeout time.Duration
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEmitter forwards monitor events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(r *Registry) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithRetryPolicy sets the policy shared by all monitors.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithArchiver archives a report for every run that succeeds or fails.
func WithArchiver(a *report.Archiver) Option {
	return func(r *Registry) {
		r.archiver = a
	}
}

// WithClock overrides the time source.
func WithClock(c operation.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDGenerator overrides monitor id generation.
func WithIDGenerator(g operation.IDGenerator) Option {
	return func(r *Registry) {
		if g != nil {
			r.ids = g
		}
	}
}

// Snapshot is a point-in-time view of one monitor.
type Snapshot struct {
	ID        uuid.UUID                   `json:"id"`
	Kind      Kind                        `json:"kind"`
	Phase     monitor.Phase               `json:"phase"`
	Status    operation.Operation         `json:"status"`
	Tasks     []operation.SubTaskSnapshot `json:"tasks,omitempty"`
	StartedAt time.Time                   `json:"started_at"`
	ReportURI string                      `json:"report_uri,omitempty"`
}

type entry struct {
	kind      Kind
	mon       *monitor.Monitor
	requestID string
	finished  bool
	reportURI string
}

// Registry starts, tracks and stops monitors. It is safe for concurrent use.
type Registry struct {
	source   operation.StatusSource
	cfg      Config
	policy   retry.Policy
	emitter  progress.Emitter
	archiver *report.Archiver
	clock    operation.Clock
	ids      operation.IDGenerator
	logger   *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	closed  bool
}

// New builds a Registry whose monitors poll source.
func New(source operation.StatusSource, cfg Config, opts ...Option) *Registry {
	if cfg.OperationPollInterval <= 0 {
		cfg.OperationPollInterval = defaultOperationInterval
	}
	if cfg.VersionPollInterval <= 0 {
		cfg.VersionPollInterval = defaultVersionInterval
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		source:  source,
		cfg:     cfg,
		policy:  retry.NewExponential(),
		emitter: progress.NopEmitter{},
		clock:   system.New(),
		ids:     iduuid.New(),
		logger:  zap.NewNop(),
		baseCtx: ctx,
		stop:    stop,
		entries: make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) interval(kind Kind) time.Duration {
	if kind == KindVersion {
		return r.cfg.VersionPollInterval
	}
	return r.cfg.OperationPollInterval
}

// Start creates a monitor for requestID and begins polling.
func (r *Registry) Start(requestID string, kind Kind) (Snapshot, error) {
	if requestID == "" {
		return Snapshot{}, monitor.ErrEmptyRequestID
	}
	if kind == "" {
		kind = KindOperation
	}
	if kind != KindOperation && kind != KindVersion {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrClosed
	}
	active := 0
	for _, e := range r.entries {
		if e.finished {
			continue
		}
		active++
		if e.requestID == requestID {
			return Snapshot{}, fmt.Errorf("%w: request %s", ErrDuplicate, requestID)
		}
	}
	if r.cfg.MaxMonitors > 0 && active >= r.cfg.MaxMonitors {
		return Snapshot{}, fmt.Errorf("%w: limit %d", ErrCapacity, r.cfg.MaxMonitors)
	}

	id, err := r.ids.NewID()
	if err != nil {
		return Snapshot{}, fmt.Errorf("new monitor id: %w", err)
	}
	mon := monitor.New(r.source,
		monitor.Config{PollInterval: r.interval(kind), Deadline: r.cfg.Deadline},
		monitor.WithID(id),
		monitor.WithEmitter(r.emitter),
		monitor.WithRetryPolicy(r.policy),
		monitor.WithClock(r.clock),
		monitor.WithLogger(r.logger.Named("monitor")),
	)
	if err := mon.Start(r.baseCtx, requestID); err != nil {
		return Snapshot{}, fmt.Errorf("start monitor: %w", err)
	}
	e := &entry{kind: kind, mon: mon, requestID: requestID}
	r.entries[id] = e
	metrics.IncActiveMonitors()
	r.wg.Add(1)
	go r.watch(id, e)

	r.logger.Info("monitor registered",
		zap.String("monitor_id", id.String()),
		zap.String("request_id", requestID),
		zap.String("kind", string(kind)),
	)
	return snapshotOf(id, e), nil
}

// watch waits for a run to stop and archives its report.
func (r *Registry) watch(id uuid.UUID, e *entry) {
	defer r.wg.Done()
	<-e.mon.Done()
	metrics.DecActiveMonitors()

	var uri string
	phase := e.mon.Phase()
	if r.archiver != nil && (phase == monitor.PhaseSucceeded || phase == monitor.PhaseFailed) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), r.cfg.ArchiveTimeout)
		rep := report.New(id.String(), e.mon.StartedAt(), e.mon.Status(), e.mon.Tasks())
		var err error
		uri, err = r.archiver.Archive(ctx, rep)
		cancel()
		if err != nil {
			r.logger.Warn("archive report failed",
				zap.String("monitor_id", id.String()),
				zap.String("request_id", e.requestID),
				zap.Error(err),
			)
		}
	}

	r.mu.Lock()
	e.finished = true
	e.reportURI = uri
	r.mu.Unlock()
	r.logger.Debug("monitor finished",
		zap.String("monitor_id", id.String()),
		zap.String("phase", string(phase)),
		zap.String("report_uri", uri),
	)
}

// Get returns the monitor with id.
func (r *Registry) Get(id uuid.UUID) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshotOf(id, e), nil
}

// List returns every known monitor, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, snapshotOf(id, e))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Active returns how many monitors are still polling.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.finished {
			n++
		}
	}
	return n
}

// Cancel stops the monitor with id. Canceling a finished monitor is a no-op.
func (r *Registry) Cancel(id uuid.UUID) (Snapshot, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	e.mon.Cancel()
	r.logger.Info("monitor cancel requested",
		zap.String("monitor_id", id.String()),
		zap.String("request_id", e.requestID),
	)
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotOf(id, e), nil
}

// Prune forgets finished monitors whose last update is older than age and returns how many
// were removed.
func (r *Registry) Prune(age time.Duration) int {
	cutoff := r.clock.Now().Add(-age)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		if !e.finished {
			continue
		}
		if e.mon.Status().UpdatedAt.After(cutoff) {
			continue
		}
		delete(r.entries, id)
		removed++
	}
	return removed
}

// Close cancels every running monitor and waits for report archiving to finish.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry close wait: %w", ctx.Err())
	}
}

func snapshotOf(id uuid.UUID, e *entry) Snapshot {
	return Snapshot{
		ID:        id,
		Kind:      e.kind,
		Phase:     e.mon.Phase(),
		Status:    e.mon.Status(),
		Tasks:     e.mon.Tasks(),
		StartedAt: e.mon.StartedAt(),
		ReportURI: e.reportURI,
	}
}
