package operation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors used to classify monitor failures with errors.Is.
var (
	ErrTransport          = errors.New("status fetch transport failure")
	ErrTransportExhausted = errors.New("status fetch retries exhausted")
	ErrAggregation        = errors.New("invalid status batch")
	ErrTaskFailure        = errors.New("operation task failed")
	ErrDeadlineExceeded   = errors.New("operation deadline exceeded")
	ErrCanceled           = errors.New("operation monitoring canceled")
	ErrInvalidRequestID   = errors.New("request id must be a non-negative integer")
)

// ParseRequestID validates raw as an orchestration request id and returns its canonical
// decimal form. Request ids are unsigned integers; anything else is rejected so an id can
// never alter the status URL path.
func ParseRequestID(raw string) (string, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRequestID, raw)
	}
	return strconv.FormatUint(n, 10), nil
}

// Reason distinguishes why an operation ended in FAILED.
type Reason string

// Failure reasons surfaced to callers.
const (
	ReasonTransportExhausted Reason = "TransportExhausted"
	ReasonAggregationError   Reason = "AggregationError"
	ReasonTaskFailure        Reason = "TaskFailure"
	ReasonDeadlineExceeded   Reason = "DeadlineExceeded"
)

// UserMessage returns the short text shown in a failure notification.
func (r Reason) UserMessage() string {
	switch r {
	case ReasonTransportExhausted:
		return "could not reach the server"
	case ReasonAggregationError:
		return "the server returned an invalid status response"
	case ReasonTaskFailure:
		return "the operation itself failed"
	case ReasonDeadlineExceeded:
		return "the operation did not finish in time"
	default:
		return "unknown failure"
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonTransportExhausted:
		return ErrTransportExhausted
	case ReasonAggregationError:
		return ErrAggregation
	case ReasonTaskFailure:
		return ErrTaskFailure
	case ReasonDeadlineExceeded:
		return ErrDeadlineExceeded
	default:
		return errors.New(string(r))
	}
}

// Failure explains a FAILED outcome.
type Failure struct {
	Reason      Reason   `json:"reason"`
	Message     string   `json:"message"`
	FailedTasks []string `json:"failed_tasks,omitempty"`
}

// Err converts the failure into an error matching the reason's sentinel.
func (f Failure) Err() error {
	if f.Message == "" {
		return f.Reason.sentinel()
	}
	return fmt.Errorf("%w: %s", f.Reason.sentinel(), f.Message)
}

func (f Failure) clone() Failure {
	cp := f
	if f.FailedTasks != nil {
		cp.FailedTasks = append([]string(nil), f.FailedTasks...)
	}
	return cp
}

// TransportError wraps a network, timeout, or HTTP failure fetching a batch.
type TransportError struct {
	RequestID  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch status for request %s: http %d: %v", e.RequestID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch status for request %s: %v", e.RequestID, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// TransportExhaustedError is returned once every allowed fetch attempt failed.
type TransportExhaustedError struct {
	Attempts int
	Last     error
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the sentinel and the last transport error.
func (e *TransportExhaustedError) Unwrap() []error {
	return []error{ErrTransportExhausted, e.Last}
}

// AggregationError signals an empty or malformed batch.
type AggregationError struct {
	Detail string
}

func (e *AggregationError) Error() string {
	return "aggregate batch: " + e.Detail
}

// Unwrap returns ErrAggregation.
func (e *AggregationError) Unwrap() error {
	return ErrAggregation
}

// TaskFailureError lists the sub-tasks that made an operation fail.
type TaskFailureError struct {
	TaskIDs []string
}

func (e *TaskFailureError) Error() string {
	return "failed tasks: " + strings.Join(e.TaskIDs, ", ")
}

// Unwrap returns ErrTaskFailure.
func (e *TaskFailureError) Unwrap() error {
	return ErrTaskFailure
}

// ReasonFor maps a monitor error onto a failure reason. ok is false for errors that do not
// describe a FAILED outcome (cancellation, nil).
func ReasonFor(err error) (Reason, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, ErrTransportExhausted):
		return ReasonTransportExhausted, true
	case errors.Is(err, ErrAggregation):
		return ReasonAggregationError, true
	case errors.Is(err, ErrTaskFailure):
		return ReasonTaskFailure, true
	case errors.Is(err, ErrDeadlineExceeded):
		return ReasonDeadlineExceeded, true
	default:
		return "", false
	}
}
