package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opwatch/internal/operation"
	"github.com/JakeFAU/opwatch/internal/registry"
	"github.com/JakeFAU/opwatch/internal/retry"
	"github.com/JakeFAU/opwatch/internal/source/memory"
	memstorage "github.com/JakeFAU/opwatch/internal/storage/memory"
)

func newTestServer(t *testing.T, src operation.StatusSource, opts ...Option) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(src, registry.Config{
		OperationPollInterval: 5 * time.Millisecond,
		VersionPollInterval:   5 * time.Millisecond,
	}, registry.WithRetryPolicy(retry.NewFixed(2, time.Millisecond)))
	t.Cleanup(func() { require.NoError(t, reg.Close(context.Background())) })
	return NewServer(reg, memstorage.NewOperationStore(), zap.NewNop(), opts...), reg
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type operationEnvelope struct {
	Operation operationDTO `json:"operation"`
}

func decodeOperation(t *testing.T, rec *httptest.ResponseRecorder) operationDTO {
	t.Helper()
	var env operationEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Operation
}

func TestServerStartAndGetOperation(t *testing.T) {
	t.Parallel()

	src := memory.Routes{"42": memory.New(
		memory.Batch("42", operation.TaskCompleted, operation.TaskInProgress),
		memory.Batch("42", operation.TaskCompleted, operation.TaskCompleted),
	)}
	server, _ := newTestServer(t, src)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/operations", []byte(`{"request_id":42}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decodeOperation(t, rec)
	require.Equal(t, "42", started.RequestID)
	require.Equal(t, "operation", started.Kind)
	require.Equal(t, "/v1/operations/"+started.ID, rec.Header().Get("Location"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Eventually(t, func() bool {
		rec := do(t, server.Handler(), http.MethodGet, "/v1/operations/"+started.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var env operationEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			return false
		}
		return env.Operation.State == string(operation.StateSucceeded) && env.Operation.Percent == 100
	}, 2*time.Second, 5*time.Millisecond)

	got := decodeOperation(t, do(t, server.Handler(), http.MethodGet, "/v1/operations/"+started.ID, nil))
	require.Equal(t, "SUCCEEDED", got.Phase)
	require.Len(t, got.Tasks, 2)
}

func TestServerStartValidation(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, memory.Routes{})
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "invalid json", body: "{invalid", code: http.StatusBadRequest},
		{name: "missing id", body: `{}`, code: http.StatusBadRequest},
		{name: "blank id", body: `{"request_id":"  "}`, code: http.StatusBadRequest},
		{name: "unknown field", body: `{"request_id":"1","extra":true}`, code: http.StatusBadRequest},
		{name: "unknown kind", body: `{"request_id":"1","kind":"upgrade"}`, code: http.StatusBadRequest},
		{name: "path traversal id", body: `{"request_id":"../../users"}`, code: http.StatusBadRequest},
		{name: "non integer id", body: `{"request_id":"42abc"}`, code: http.StatusBadRequest},
		{name: "negative id", body: `{"request_id":-4}`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server.Handler(), http.MethodPost, "/v1/operations", []byte(tt.body))
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestServerStartNormalizesRequestID(t *testing.T) {
	t.Parallel()

	src := memory.Routes{"42": memory.New(memory.Batch("42", operation.TaskInProgress))}
	server, reg := newTestServer(t, src)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/operations", []byte(`{"request_id":" 042 "}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, "42", decodeOperation(t, rec).RequestID)
	require.Len(t, reg.List(), 1)
}

func TestServerStartDuplicateConflicts(t *testing.T) {
	t.Parallel()

	src := memory.Routes{"42": memory.New(memory.Batch("42", operation.TaskInProgress))}
	server, _ := newTestServer(t, src)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/operations", []byte(`{"request_id":"42","kind":"version"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "version", decodeOperation(t, rec).Kind)

	rec = do(t, server.Handler(), http.MethodPost, "/v1/operations", []byte(`{"request_id":"42"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerStartErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code int
	}{
		{err: registry.ErrCapacity, code: http.StatusTooManyRequests},
		{err: registry.ErrClosed, code: http.StatusServiceUnavailable},
		{err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		server := NewServer(&stubMonitors{startErr: tt.err}, nil, zap.NewNop())
		rec := do(t, server.Handler(), http.MethodPost, "/v1/operations", []byte(`{"request_id":"1"}`))
		require.Equal(t, tt.code, rec.Code)
	}
}

func TestServerCancelOperation(t *testing.T) {
	t.Parallel()

	src := memory.Routes{"42": memory.New(memory.Batch("42", operation.TaskInProgress))}
	server, reg := newTestServer(t, src)
	snap, err := reg.Start("42", registry.KindOperation)
	require.NoError(t, err)

	rec := do(t, server.Handler(), http.MethodPost, "/v1/operations/"+snap.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeOperation(t, rec)
	require.Equal(t, "CANCELED", got.State)
	require.Equal(t, "CANCELED", got.Phase)
}

func TestServerOperationNotFoundAndBadID(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, memory.Routes{})
	rec := do(t, server.Handler(), http.MethodGet, "/v1/operations/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, server.Handler(), http.MethodPost, "/v1/operations/"+uuid.NewString()+"/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, server.Handler(), http.MethodGet, "/v1/operations/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerListOperations(t *testing.T) {
	t.Parallel()

	src := memory.Routes{
		"1": memory.New(memory.Batch("1", operation.TaskInProgress)),
		"2": memory.New(memory.Batch("2", operation.TaskInProgress)),
	}
	server, reg := newTestServer(t, src)
	_, err := reg.Start("1", registry.KindOperation)
	require.NoError(t, err)
	_, err = reg.Start("2", registry.KindOperation)
	require.NoError(t, err)

	rec := do(t, server.Handler(), http.MethodGet, "/v1/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Operations []operationDTO `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Operations, 2)
	for _, op := range body.Operations {
		require.Empty(t, op.Tasks, "list view omits task detail")
	}
}

func TestServerHealthAndReadiness(t *testing.T) {
	t.Parallel()

	healthy := true
	server, _ := newTestServer(t, memory.Routes{}, WithReadinessCheck("database", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	}))

	rec := do(t, server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_monitors":0`)

	rec = do(t, server.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = do(t, server.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, memory.Routes{})
	do(t, server.Handler(), http.MethodGet, "/healthz", nil)

	rec := do(t, server.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "opwatch_http_requests_total")
}

func TestServerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(&stubMonitors{panicOnList: true}, nil, zap.NewNop())
	rec := do(t, server.Handler(), http.MethodGet, "/v1/operations", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type stubMonitors struct {
	startErr    error
	panicOnList bool
}

func (s *stubMonitors) Start(string, registry.Kind) (registry.Snapshot, error) {
	return registry.Snapshot{}, s.startErr
}

func (s *stubMonitors) Get(uuid.UUID) (registry.Snapshot, error) {
	return registry.Snapshot{}, registry.ErrNotFound
}

func (s *stubMonitors) List() []registry.Snapshot {
	if s.panicOnList {
		panic("list exploded")
	}
	return nil
}

func (s *stubMonitors) Cancel(uuid.UUID) (registry.Snapshot, error) {
	return registry.Snapshot{}, registry.ErrNotFound
}

func (s *stubMonitors) Active() int { return 0 }
