package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/progress"
)

// Outcome is the notification published when a monitor run ends.
type Outcome struct {
	MonitorID      string          `json:"monitor_id"`
	RequestID      string          `json:"request_id"`
	State          operation.State `json:"state"`
	Percent        int             `json:"percent"`
	Reason         string          `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	FailedTasks    []string        `json:"failed_tasks,omitempty"`
	RuntimeSeconds float64         `json:"runtime_seconds"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// PublisherSink publishes an Outcome for every terminal event. Non-terminal
// events are ignored.
type PublisherSink struct {
	pub    operation.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink targeting topic.
func NewPublisherSink(pub operation.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes outcomes in batch order and stops at the first error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		outcome := OutcomeFor(evt)
		id, err := s.pub.Publish(ctx, s.topic, outcome)
		if err != nil {
			return fmt.Errorf("publish outcome for request %s: %w", evt.RequestID, err)
		}
		s.logger.Debug("outcome published",
			zap.String("message_id", id),
			zap.String("request_id", evt.RequestID),
			zap.String("state", string(outcome.State)),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

// OutcomeFor converts a terminal event to its notification payload.
func OutcomeFor(evt progress.Event) Outcome {
	out := Outcome{
		MonitorID:      evt.MonitorUUID().String(),
		RequestID:      evt.RequestID,
		State:          evt.State,
		Percent:        evt.Percent,
		FailedTasks:    evt.FailedTasks,
		RuntimeSeconds: evt.Dur.Seconds(),
		FinishedAt:     evt.TS.UTC(),
	}
	if evt.Stage == progress.StageFailed {
		out.Reason = string(evt.Reason)
		out.Message = evt.Reason.UserMessage()
		out.Detail = evt.Note
	}
	return out
}

// Attributes exposes routing fields as message attributes.
func (o Outcome) Attributes() map[string]string {
	attrs := map[string]string{
		"request_id": o.RequestID,
		"state":      string(o.State),
	}
	if o.Reason != "" {
		attrs["reason"] = o.Reason
	}
	return attrs
}
