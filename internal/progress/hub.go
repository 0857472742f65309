package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes how monitor events are buffered before they reach the sinks. Zero values
// pick the defaults below, sized for a few hundred monitors each polling every few seconds.
type Config struct {
	// BufferSize bounds the events queued between Emit and the batching goroutine.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch after this long. Terminal events never wait.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call; it should outlive the monitors.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 512
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// HubStats counts events seen by a Hub since it was created.
type HubStats struct {
	Accepted int64
	Dropped  int64
	Flushes  int64
}

// Hub is the Emitter shared by every monitor of a registry. It queues events without
// blocking the polling goroutines and hands them to the sinks in batches. A batch is flushed
// when it is full, when MaxBatchWait passes, or as soon as it contains a terminal event, so
// outcomes reach the history store and notification topic without delay.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	accepted   atomic.Int64
	dropped    atomic.Int64
	flushes    atomic.Int64
	pendingLog atomic.Int64
	lastDropAt atomic.Int64
	closed     atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine feeding sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.run()
	return h
}

// Emit queues evt. Progress updates are dropped when the buffer is full; a terminal event
// waits up to MaxBatchWait for room so a monitor's outcome is not lost behind a burst of
// updates from other monitors.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if h.enqueue(evt) {
		h.accepted.Add(1)
		return
	}
	h.dropped.Add(1)
	h.pendingLog.Add(1)
	h.logDrop(evt)
}

func (h *Hub) enqueue(evt Event) bool {
	select {
	case h.events <- evt:
		return true
	default:
	}
	if !evt.Stage.Terminal() {
		return false
	}
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	defer timer.Stop()
	select {
	case h.events <- evt:
		return true
	case <-timer.C:
	case <-h.stopCh:
	}
	return false
}

// logDrop warns at most once per dropLogInterval with the number of drops since the last
// warning.
func (h *Hub) logDrop(evt Event) {
	now := time.Now().UnixNano()
	last := h.lastDropAt.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropAt.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.pendingLog.Swap(0)),
		zap.String("request_id", evt.RequestID),
		zap.String("stage", string(evt.Stage)),
	)
}

// Stats returns the running event counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Accepted: h.accepted.Load(),
		Dropped:  h.dropped.Load(),
		Flushes:  h.flushes.Load(),
	}
}

// Close stops accepting events, flushes what is queued, closes the sinks and waits for the
// batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		stats := h.Stats()
		h.logger.Info("progress hub closed",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("flushes", stats.Flushes),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := batcher{max: h.cfg.MaxBatchEvents, events: make([]Event, 0, h.cfg.MaxBatchEvents)}
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	var waiting bool
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
				waiting = stopTimer(timer, waiting)
				continue
			}
			if !waiting {
				timer.Reset(h.cfg.MaxBatchWait)
				waiting = true
			}
		case <-timer.C:
			waiting = false
			h.flush(b.take())
		case <-h.stopCh:
			stopTimer(timer, waiting)
			h.drain(&b)
			h.closeSinks()
			return
		}
	}
}

// drain flushes everything still queued once Close was called.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

// batcher accumulates events until a flush is due.
type batcher struct {
	max    int
	events []Event
}

// add appends evt and reports whether the batch must be flushed now.
func (b *batcher) add(evt Event) bool {
	b.events = append(b.events, evt)
	return len(b.events) >= b.max || evt.Stage.Terminal()
}

// take returns a copy of the pending events and empties the batch.
func (b *batcher) take() []Event {
	if len(b.events) == 0 {
		return nil
	}
	out := append([]Event(nil), b.events...)
	b.events = b.events[:0]
	return out
}

// stopTimer stops an armed timer, draining a pending tick, and returns false.
func stopTimer(timer *time.Timer, armed bool) bool {
	if armed && !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	return false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	h.flushes.Add(1)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.Error(err),
				zap.Int("events", len(batch)),
				zap.String("sink", fmt.Sprintf("%T", sink)),
			)
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err), zap.String("sink", fmt.Sprintf("%T", sink)))
		}
	}
}
