package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opwatch/internal/aggregate"
	"github.com/JakeFAU/opwatch/internal/operation"
)

func TestSimulatedAdvancesToCompletion(t *testing.T) {
	t.Parallel()

	src := NewSimulated(3)
	ctx := context.Background()
	var percents []int
	for {
		batch, err := src.FetchStatus(ctx, "42")
		require.NoError(t, err)
		res, err := aggregate.Aggregate(batch.Tasks)
		require.NoError(t, err)
		percents = append(percents, res.Percent)
		if res.State == operation.StateSucceeded {
			break
		}
		require.Less(t, len(percents), 10)
	}
	require.Equal(t, []int{0, 33, 66, 100}, percents)
}

func TestSimulatedFailsListedRequests(t *testing.T) {
	t.Parallel()

	src := NewSimulated(2, "13")
	ctx := context.Background()
	_, err := src.FetchStatus(ctx, "13")
	require.NoError(t, err)
	batch, err := src.FetchStatus(ctx, "13")
	require.NoError(t, err)

	res, err := aggregate.Aggregate(batch.Tasks)
	require.NoError(t, err)
	require.Equal(t, operation.StateFailed, res.State)
	require.Equal(t, []string{"2"}, res.FailedTaskIDs)
}
