package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opwatch/internal/operation"
)

func TestSourceReplaysAndRepeatsLastStep(t *testing.T) {
	t.Parallel()

	src := New(
		Unreachable("42"),
		Batch("42", operation.TaskInProgress),
		Batch("42", operation.TaskCompleted),
	)
	ctx := context.Background()

	_, err := src.FetchStatus(ctx, "42")
	require.True(t, operation.IsTransport(err))

	batch, err := src.FetchStatus(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, operation.TaskInProgress, batch.Tasks[0].Status)

	for range 2 {
		batch, err = src.FetchStatus(ctx, "42")
		require.NoError(t, err)
		require.Equal(t, operation.TaskCompleted, batch.Tasks[0].Status)
	}
	require.Equal(t, 4, src.Calls())
	require.Equal(t, []string{"42", "42", "42", "42"}, src.Requests())
}

func TestSourceReturnsCopies(t *testing.T) {
	t.Parallel()

	src := New(Batch("42", operation.TaskPending))
	batch, err := src.FetchStatus(context.Background(), "42")
	require.NoError(t, err)
	batch.Tasks[0].Status = operation.TaskFailed

	again, err := src.FetchStatus(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, operation.TaskPending, again.Tasks[0].Status)
}

func TestSourceGateHonorsContext(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	src := New(Gated(Batch("42", operation.TaskPending), gate))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.FetchStatus(ctx, "42")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, operation.IsTransport(err))
}

func TestSourceEmptyScript(t *testing.T) {
	t.Parallel()

	_, err := New().FetchStatus(context.Background(), "42")
	require.True(t, operation.IsTransport(err))
}

func TestRoutesDispatchByRequest(t *testing.T) {
	t.Parallel()

	routes := Routes{
		"1": New(Batch("1", operation.TaskCompleted)),
		"2": New(Batch("2", operation.TaskFailed)),
	}
	batch, err := routes.FetchStatus(context.Background(), "2")
	require.NoError(t, err)
	require.Equal(t, "2", batch.RequestID)
	require.Equal(t, operation.TaskFailed, batch.Tasks[0].Status)
	require.Equal(t, 0, routes["1"].Calls())

	_, err = routes.FetchStatus(context.Background(), "3")
	require.True(t, operation.IsTransport(err))
}
