// Package report archives a JSON summary of every finished monitor run to a blob store.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Report is the archived summary of one run.
type Report struct {
	MonitorID  string                      `json:"monitor_id"`
	RequestID  string                      `json:"request_id"`
	State      operation.State             `json:"state"`
	Percent    int                         `json:"percent"`
	Failure    *operation.Failure          `json:"failure,omitempty"`
	Message    string                      `json:"message,omitempty"`
	Hosts      []operation.HostProgress    `json:"hosts,omitempty"`
	Tasks      []operation.SubTaskSnapshot `json:"tasks,omitempty"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
}

// New builds a report from a terminal status and the last accepted task set.
func New(monitorID string, startedAt time.Time, op operation.Operation, tasks []operation.SubTaskSnapshot) Report {
	op = op.Clone()
	r := Report{
		MonitorID:  monitorID,
		RequestID:  op.RequestID,
		State:      op.State,
		Percent:    op.Percent,
		Failure:    op.Failure,
		Hosts:      op.Hosts,
		Tasks:      append([]operation.SubTaskSnapshot(nil), tasks...),
		StartedAt:  startedAt.UTC(),
		FinishedAt: op.UpdatedAt.UTC(),
	}
	if op.Failure != nil {
		r.Message = op.Failure.Reason.UserMessage()
	}
	return r
}

// Path is the object path for r: runs/{request}/{monitor}.json.
func (r Report) Path() string {
	return path.Join("runs", r.RequestID, r.MonitorID+".json")
}

// Archiver writes reports to a BlobStore.
type Archiver struct {
	store operation.BlobStore
}

// NewArchiver returns an Archiver writing to store.
func NewArchiver(store operation.BlobStore) *Archiver {
	return &Archiver{store: store}
}

// Archive writes r and returns the object URI.
func (a *Archiver) Archive(ctx context.Context, r Report) (string, error) {
	if a == nil || a.store == nil {
		return "", errors.New("report archiver is not configured")
	}
	if r.RequestID == "" || r.MonitorID == "" {
		return "", errors.New("report requires request and monitor ids")
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	uri, err := a.store.PutObject(ctx, r.Path(), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	return uri, nil
}
