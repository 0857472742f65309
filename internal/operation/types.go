// Package operation defines core types shared across the monitor subsystems.
package operation

import (
	"time"
)

// State represents the lifecycle state of a tracked operation.
type State string

// Operation states exposed to callers.
const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCanceled  State = "CANCELED"
)

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// TaskStatus is the status of one sub-task as reported by the server.
type TaskStatus string

// Sub-task statuses reported by the orchestration API.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskQueued     TaskStatus = "QUEUED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskAborted    TaskStatus = "ABORTED"
	TaskTimedOut   TaskStatus = "TIMEDOUT"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskQueued, TaskInProgress, TaskCompleted, TaskFailed, TaskAborted, TaskTimedOut:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the task has stopped executing, successfully or not.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s.IsFailure()
}

// IsFailure reports whether the task ended badly.
func (s TaskStatus) IsFailure() bool {
	switch s {
	case TaskFailed, TaskAborted, TaskTimedOut:
		return true
	default:
		return false
	}
}

// SubTaskSnapshot is one row of a status response.
type SubTaskSnapshot struct {
	// ID is the stable sub-task identifier.
	ID string `json:"id"`
	// Status is the server-reported status.
	Status TaskStatus `json:"status"`
	// Host optionally names the host the task runs on.
	Host string `json:"host,omitempty"`
	// Role optionally names the component the task acts on.
	Role string `json:"role,omitempty"`
	// Command optionally names the action (INSTALL, START, ...).
	Command string `json:"command,omitempty"`
}

// SnapshotBatch is a point-in-time read of every sub-task of one request.
type SnapshotBatch struct {
	RequestID string            `json:"request_id"`
	Tasks     []SubTaskSnapshot `json:"tasks"`
}

// CloneTasks returns a copy of the task list so callers can hold it without aliasing.
func (b SnapshotBatch) CloneTasks() []SubTaskSnapshot {
	if b.Tasks == nil {
		return nil
	}
	out := make([]SubTaskSnapshot, len(b.Tasks))
	copy(out, b.Tasks)
	return out
}

// HostProgress is the aggregate of all sub-tasks scheduled on one host.
type HostProgress struct {
	Host      string `json:"host"`
	State     State  `json:"state"`
	Percent   int    `json:"percent"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Operation is the observable status of one tracked request. Values handed out by the
// monitor are copies; mutating them has no effect on the monitor.
type Operation struct {
	RequestID   string         `json:"request_id"`
	State       State          `json:"state"`
	Percent     int            `json:"percent"`
	FailedTasks []string       `json:"failed_tasks,omitempty"`
	Hosts       []HostProgress `json:"hosts,omitempty"`
	Failure     *Failure       `json:"failure,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone deep-copies the operation.
func (o Operation) Clone() Operation {
	cp := o
	if o.FailedTasks != nil {
		cp.FailedTasks = append([]string(nil), o.FailedTasks...)
	}
	if o.Hosts != nil {
		cp.Hosts = append([]HostProgress(nil), o.Hosts...)
	}
	if o.Failure != nil {
		f := o.Failure.clone()
		cp.Failure = &f
	}
	return cp
}

// PollAttempt describes one fetch cycle: target request, attempts so far, and the wait before
// the next attempt.
type PollAttempt struct {
	RequestID string
	Attempt   int
	Delay     time.Duration
}
