package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memstorage "github.com/JakeFAU/opwatch/internal/storage/memory"
	"github.com/JakeFAU/opwatch/internal/store"
)

func seededRepo(t *testing.T) (*memstorage.OperationStore, uuid.UUID) {
	t.Helper()
	repo := memstorage.NewOperationStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	done := uuid.New()
	require.NoError(t, repo.UpsertRunStart(ctx, done, "42", base))
	require.NoError(t, repo.CompleteRun(ctx, done, store.Completion{
		FinishedAt: base.Add(time.Minute),
		Status:     store.RunSucceeded,
		Percent:    100,
	}))
	require.NoError(t, repo.UpsertRunStart(ctx, uuid.New(), "42", base.Add(time.Hour)))
	require.NoError(t, repo.UpsertRunStart(ctx, uuid.New(), "43", base.Add(2*time.Hour)))
	return repo, done
}

func TestHistoryHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo, _ := seededRepo(t)
	handler := NewHistoryHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/history?status=running&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []store.OperationRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, "43", body.Runs[0].RequestID, "newest first")
}

func TestHistoryHandlerListRunsValidation(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(memstorage.NewOperationStore(), zap.NewNop())
	for _, target := range []string{
		"/v1/history?status=exploded",
		"/v1/history?limit=-1",
		"/v1/history?limit=abc",
		"/v1/history?offset=-2",
	} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHistoryHandlerUnavailableWithoutRepo(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHistoryHandlerGetRun(t *testing.T) {
	t.Parallel()

	repo, done := seededRepo(t)
	handler := NewHistoryHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetRun(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "monitor_id", done.String()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"succeeded"`)

	rec = httptest.NewRecorder()
	handler.GetRun(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "monitor_id", uuid.NewString()))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.GetRun(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "monitor_id", "nope"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryHandlerRepositoryError(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(failingRepo{}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.GetRun(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "monitor_id", uuid.NewString()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	handler.ListRunsByRequest(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "request_id", "42"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServerHistoryByRequestRoute(t *testing.T) {
	t.Parallel()

	repo, _ := seededRepo(t)
	server := NewServer(&stubMonitors{}, repo, zap.NewNop())

	rec := do(t, server.Handler(), http.MethodGet, "/v1/history/42?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		RequestID string               `json:"request_id"`
		Runs      []store.OperationRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "42", body.RequestID)
	require.Len(t, body.Runs, 1)

	rec = do(t, server.Handler(), http.MethodGet, "/v1/history/unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"runs":[]`)
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}

type failingRepo struct{}

var errRepo = errors.New("database is down")

func (failingRepo) UpsertRunStart(context.Context, uuid.UUID, string, time.Time) error { return errRepo }

func (failingRepo) RecordProgress(context.Context, uuid.UUID, store.ProgressDelta) error {
	return errRepo
}

func (failingRepo) CompleteRun(context.Context, uuid.UUID, store.Completion) error { return errRepo }

func (failingRepo) GetRun(context.Context, uuid.UUID) (store.OperationRun, error) {
	return store.OperationRun{}, errRepo
}

func (failingRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.OperationRun, error) {
	return nil, errRepo
}

func (failingRepo) ListRunsByRequest(context.Context, string, int, int) ([]store.OperationRun, error) {
	return nil, errRepo
}
