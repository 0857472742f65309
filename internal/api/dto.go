package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/registry"
)

// startRequest is the body of POST /v1/operations. request_id may be sent as a JSON string
// or number since orchestration servers hand out numeric ids.
type startRequest struct {
	RequestID flexString `json:"request_id"`
	Kind      string     `json:"kind"`
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type operationDTO struct {
	ID          string                      `json:"id"`
	Kind        string                      `json:"kind"`
	Phase       string                      `json:"phase"`
	RequestID   string                      `json:"request_id"`
	State       string                      `json:"state"`
	Percent     int                         `json:"percent"`
	FailedTasks []string                    `json:"failed_tasks,omitempty"`
	Failure     *failureDTO                 `json:"failure,omitempty"`
	Hosts       []operation.HostProgress    `json:"hosts,omitempty"`
	Tasks       []operation.SubTaskSnapshot `json:"tasks,omitempty"`
	StartedAt   time.Time                   `json:"started_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	ReportURI   string                      `json:"report_uri,omitempty"`
}

type failureDTO struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func toOperationDTO(snap registry.Snapshot, detail bool) operationDTO {
	dto := operationDTO{
		ID:          snap.ID.String(),
		Kind:        string(snap.Kind),
		Phase:       string(snap.Phase),
		RequestID:   snap.Status.RequestID,
		State:       string(snap.Status.State),
		Percent:     snap.Status.Percent,
		FailedTasks: snap.Status.FailedTasks,
		StartedAt:   snap.StartedAt,
		UpdatedAt:   snap.Status.UpdatedAt,
		ReportURI:   snap.ReportURI,
	}
	if f := snap.Status.Failure; f != nil {
		dto.Failure = &failureDTO{
			Reason:  string(f.Reason),
			Message: f.Reason.UserMessage(),
			Detail:  f.Message,
		}
	}
	if detail {
		dto.Hosts = snap.Status.Hosts
		dto.Tasks = snap.Tasks
	}
	return dto
}

func parseMonitorID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "monitor_id"))
	if raw == "" {
		return uuid.UUID{}, errors.New("monitor_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid monitor_id")
	}
	return id, nil
}
