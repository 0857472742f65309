package report

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/storage/memory"
)

func TestArchiveWritesJSONReport(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	archiver := NewArchiver(blobs)
	start := time.Unix(1700000000, 0)
	op := operation.Operation{
		RequestID:   "42",
		State:       operation.StateFailed,
		Percent:     50,
		FailedTasks: []string{"2"},
		Failure: &operation.Failure{
			Reason:      operation.ReasonTaskFailure,
			Message:     "failed tasks: 2",
			FailedTasks: []string{"2"},
		},
		UpdatedAt: start.Add(time.Minute),
	}
	tasks := []operation.SubTaskSnapshot{
		{ID: "1", Status: operation.TaskCompleted},
		{ID: "2", Status: operation.TaskFailed},
	}

	uri, err := archiver.Archive(context.Background(), New("mon-1", start, op, tasks))
	require.NoError(t, err)
	require.Equal(t, "memory://runs/42/mon-1.json", uri)

	obj, ok := blobs.Get("runs/42/mon-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)

	var decoded Report
	require.NoError(t, json.Unmarshal(obj.Data, &decoded))
	require.Equal(t, operation.StateFailed, decoded.State)
	require.Equal(t, "the operation itself failed", decoded.Message)
	require.Len(t, decoded.Tasks, 2)
	require.Equal(t, start.Add(time.Minute).UTC(), decoded.FinishedAt)
}

func TestArchiveValidation(t *testing.T) {
	t.Parallel()

	var nilArchiver *Archiver
	_, err := nilArchiver.Archive(context.Background(), Report{})
	require.Error(t, err)

	_, err = NewArchiver(memory.NewBlobStore()).Archive(context.Background(), Report{RequestID: "42"})
	require.Error(t, err)
}
