package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/progress"
	"github.com/JakeFAU/opwatch/internal/publisher/memory"
)

func TestPublisherSinkPublishesTerminalOutcomes(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "operation-outcomes", nil)
	id := uuid.New()
	now := time.Unix(1700000000, 0)

	batch := []progress.Event{
		{MonitorID: progress.UUIDToBytes(id), RequestID: "42", TS: now, Stage: progress.StageStart},
		{MonitorID: progress.UUIDToBytes(id), RequestID: "42", TS: now, Stage: progress.StageUpdate, Percent: 40},
		{
			MonitorID:   progress.UUIDToBytes(id),
			RequestID:   "42",
			TS:          now,
			Stage:       progress.StageFailed,
			State:       operation.StateFailed,
			Percent:     40,
			Reason:      operation.ReasonTransportExhausted,
			Note:        "giving up after 3 attempts",
			Dur:         90 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "operation-outcomes", msgs[0].Topic)
	outcome, ok := msgs[0].Payload.(Outcome)
	require.True(t, ok)
	require.Equal(t, id.String(), outcome.MonitorID)
	require.Equal(t, operation.StateFailed, outcome.State)
	require.Equal(t, "could not reach the server", outcome.Message)
	require.Equal(t, "giving up after 3 attempts", outcome.Detail)
	require.InDelta(t, 90.0, outcome.RuntimeSeconds, 1e-9)
}

func TestPublisherSinkReturnsPublishErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	sink := NewPublisherSink(failingPublisher{err: boom}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		MonitorID: progress.UUIDToBytes(uuid.New()),
		RequestID: "42",
		TS:        time.Now(),
		Stage:     progress.StageSucceeded,
		State:     operation.StateSucceeded,
		Percent:   100,
	}})
	require.ErrorIs(t, err, boom)
}

type failingPublisher struct {
	err error
}

func (p failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", p.err
}
