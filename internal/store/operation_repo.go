package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("operation run not found")

// RunStatus mirrors the operation_runs status column.
type RunStatus string

// Run statuses persisted in operation_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch RunStatus(s) {
	case RunRunning, RunSucceeded, RunFailed, RunCanceled:
		return RunStatus(s), true
	default:
		return "", false
	}
}

// OperationRun models one monitor run as persisted in operation_runs.
type OperationRun struct {
	// MonitorID is the primary key; one row per monitor run.
	MonitorID uuid.UUID `json:"monitor_id"`
	// RequestID is the server request being tracked.
	RequestID string `json:"request_id"`
	// StartedAt is when the monitor entered POLLING.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is terminal.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Percent is the highest progress observed.
	Percent int `json:"percent"`
	// Retries counts failed fetch attempts that were retried.
	Retries int64 `json:"retries"`
	// StaleBatches counts batches discarded for carrying another request id.
	StaleBatches int64     `json:"stale_batches"`
	Reason       *string   `json:"reason,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	FailedTasks  []string  `json:"failed_tasks,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProgressDelta is a collapsed set of non-terminal updates for one run.
type ProgressDelta struct {
	Percent      int
	Retries      int64
	StaleBatches int64
	At           time.Time
}

// Completion describes a terminal transition.
type Completion struct {
	FinishedAt   time.Time
	Status       RunStatus
	Percent      int
	Reason       *string
	ErrorMessage *string
	FailedTasks  []string
}

// OperationRepository persists monitor run history.
type OperationRepository interface {
	// UpsertRunStart inserts (or idempotently keeps) the run row.
	UpsertRunStart(ctx context.Context, monitorID uuid.UUID, requestID string, startedAt time.Time) error
	// RecordProgress raises the stored percent (never lowering it) and adds counter deltas.
	RecordProgress(ctx context.Context, monitorID uuid.UUID, delta ProgressDelta) error
	// CompleteRun marks the run terminal.
	CompleteRun(ctx context.Context, monitorID uuid.UUID, c Completion) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, monitorID uuid.UUID) (OperationRun, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]OperationRun, error)
	// ListRunsByRequest returns every run that tracked requestID, newest first.
	ListRunsByRequest(ctx context.Context, requestID string, limit, offset int) ([]OperationRun, error)
}
