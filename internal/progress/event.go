package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageStart     Stage = "OP_START"
	StageUpdate    Stage = "OP_UPDATE"
	StageRetry     Stage = "OP_RETRY"
	StageStale     Stage = "OP_STALE"
	StageSucceeded Stage = "OP_SUCCEEDED"
	StageFailed    Stage = "OP_FAILED"
	StageCanceled  Stage = "OP_CANCELED"
)

// Terminal reports whether the stage ends a monitor run.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageCanceled
}

// Event captures a single monitor milestone.
type Event struct {
	// MonitorID identifies the monitor run using the 16-byte UUID form.
	MonitorID [16]byte
	// RequestID is the tracked server request id.
	RequestID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// State is the operation state after the milestone.
	State operation.State
	// Percent is the progress after the milestone.
	Percent int
	// Attempt is the failed fetch attempt for retry events.
	Attempt int
	// Reason explains OP_FAILED events.
	Reason operation.Reason
	// FailedTasks lists offending sub-tasks for task failures.
	FailedTasks []string
	// Dur is the fetch latency for updates, or the run time for terminal events.
	Dur time.Duration
	// Note carries low-volume context such as error text or the stale request id.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.MonitorID == [16]byte{} {
		return errors.New("monitor id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	switch e.Stage {
	case StageStart, StageUpdate, StageStale, StageSucceeded, StageCanceled:
	case StageRetry:
		if e.Attempt <= 0 {
			return errors.New("retry requires attempt")
		}
	case StageFailed:
		if e.Reason == "" {
			return errors.New("failure requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// MonitorUUID converts the binary monitor ID to uuid.UUID for repositories.
func (e Event) MonitorUUID() uuid.UUID {
	return uuid.UUID(e.MonitorID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
