// Package memory provides an in-process status source driven by a script of responses. It
// backs tests and the offline demo mode of the CLI.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Step is one scripted response. When Gate is non-nil the fetch blocks until it is closed or
// the caller's context ends.
type Step struct {
	Batch operation.SnapshotBatch
	Err   error
	Gate  <-chan struct{}
}

// Source replays Steps in order and keeps returning the last one once the script runs out.
type Source struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []string
}

// New returns a Source replaying steps.
func New(steps ...Step) *Source {
	return &Source{steps: append([]Step(nil), steps...)}
}

// Append extends the script.
func (s *Source) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// FetchStatus implements operation.StatusSource.
func (s *Source) FetchStatus(ctx context.Context, requestID string) (operation.SnapshotBatch, error) {
	s.mu.Lock()
	s.requests = append(s.requests, requestID)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return operation.SnapshotBatch{}, &operation.TransportError{
			RequestID: requestID,
			Err:       fmt.Errorf("no scripted response"),
		}
	}
	idx := s.next
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	} else {
		s.next++
	}
	step := s.steps[idx]
	s.mu.Unlock()

	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-ctx.Done():
			return operation.SnapshotBatch{}, &operation.TransportError{RequestID: requestID, Err: ctx.Err()}
		}
	}
	if step.Err != nil {
		return operation.SnapshotBatch{}, step.Err
	}
	batch := step.Batch
	batch.Tasks = step.Batch.CloneTasks()
	return batch, nil
}

// Calls returns how many fetches were issued.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the request ids passed to each fetch, in order.
func (s *Source) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Batch builds a step returning tasks "1".."n" with the given statuses for requestID.
func Batch(requestID string, statuses ...operation.TaskStatus) Step {
	tasks := make([]operation.SubTaskSnapshot, len(statuses))
	for i, status := range statuses {
		tasks[i] = operation.SubTaskSnapshot{ID: strconv.Itoa(i + 1), Status: status}
	}
	return Step{Batch: operation.SnapshotBatch{RequestID: requestID, Tasks: tasks}}
}

// Unreachable builds a step failing with a transport error.
func Unreachable(requestID string) Step {
	return Step{Err: &operation.TransportError{RequestID: requestID, Err: fmt.Errorf("connection refused")}}
}

// Gated returns step with its response held back until gate is closed.
func Gated(step Step, gate <-chan struct{}) Step {
	step.Gate = gate
	return step
}

// Routes dispatches each request id to its own scripted Source. The map must not be modified
// once polling starts.
type Routes map[string]*Source

// FetchStatus implements operation.StatusSource.
func (r Routes) FetchStatus(ctx context.Context, requestID string) (operation.SnapshotBatch, error) {
	src, ok := r[requestID]
	if !ok {
		return operation.SnapshotBatch{}, &operation.TransportError{
			RequestID:  requestID,
			StatusCode: 404,
			Err:        fmt.Errorf("unknown request %s", requestID),
		}
	}
	return src.FetchStatus(ctx, requestID)
}
