package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Simulated fabricates progress for any request id: each fetch moves one more task from
// IN_PROGRESS to COMPLETED until all Tasks are done. Request ids listed in Fail end with
// their last task FAILED instead. It backs the offline demo mode.
type Simulated struct {
	Tasks int
	Fail  map[string]bool

	mu    sync.Mutex
	polls map[string]int
}

// NewSimulated returns a Simulated source with tasks sub-tasks per request.
func NewSimulated(tasks int, failing ...string) *Simulated {
	if tasks <= 0 {
		tasks = 1
	}
	fail := make(map[string]bool, len(failing))
	for _, id := range failing {
		fail[id] = true
	}
	return &Simulated{Tasks: tasks, Fail: fail, polls: make(map[string]int)}
}

// FetchStatus implements operation.StatusSource.
func (s *Simulated) FetchStatus(ctx context.Context, requestID string) (operation.SnapshotBatch, error) {
	if err := ctx.Err(); err != nil {
		return operation.SnapshotBatch{}, &operation.TransportError{RequestID: requestID, Err: err}
	}
	s.mu.Lock()
	done := s.polls[requestID]
	s.polls[requestID] = done + 1
	s.mu.Unlock()

	batch := operation.SnapshotBatch{RequestID: requestID, Tasks: make([]operation.SubTaskSnapshot, s.Tasks)}
	for i := range batch.Tasks {
		status := operation.TaskPending
		switch {
		case i < done:
			status = operation.TaskCompleted
		case i == done:
			status = operation.TaskInProgress
		}
		if i == s.Tasks-1 && done >= s.Tasks-1 && s.Fail[requestID] {
			status = operation.TaskFailed
		}
		batch.Tasks[i] = operation.SubTaskSnapshot{
			ID:      strconv.Itoa(i + 1),
			Status:  status,
			Host:    "host-" + strconv.Itoa(i%3+1),
			Command: "INSTALL",
		}
	}
	return batch, nil
}
