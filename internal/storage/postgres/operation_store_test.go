package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opwatch/internal/store"
)

var runColumns = []string{
	"monitor_id", "request_id", "started_at", "finished_at", "status", "percent",
	"retries", "stale_batches", "reason", "error_message", "failed_tasks", "updated_at",
}

func newMockStore(t *testing.T) (*OperationStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewOperationStoreWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func TestNewOperationStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewOperationStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewOperationStoreWithPool(mock, "runs; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestNewOperationStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewOperationStore(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}

func TestUpsertRunStartInsertsRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO operation_runs").
		WithArgs(id, "42", now, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStart(context.Background(), id, "42", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordProgressUpdatesCounters(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000010, 0).UTC()

	mock.ExpectExec("UPDATE operation_runs").
		WithArgs(60, int64(2), int64(1), at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE operation_runs").
		WithArgs(70, int64(0), int64(0), at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.RecordProgress(context.Background(), id, store.ProgressDelta{
		Percent: 60, Retries: 2, StaleBatches: 1, At: at,
	}))
	err := s.RecordProgress(context.Background(), id, store.ProgressDelta{Percent: 70, At: at})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunWritesOutcome(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000060, 0).UTC()
	reason := "TaskFailure"
	msg := "failed tasks: 2"

	mock.ExpectExec("UPDATE operation_runs").
		WithArgs(at, "failed", 50, &reason, &msg, []string{"2"}, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteRun(context.Background(), id, store.Completion{
		FinishedAt:   at,
		Status:       store.RunFailed,
		Percent:      50,
		Reason:       &reason,
		ErrorMessage: &msg,
		FailedTasks:  []string{"2"},
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunExecError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000090, 0).UTC()
	boom := errors.New("connection reset")
	mock.ExpectExec("UPDATE operation_runs").
		WithArgs(at, "canceled", 0, (*string)(nil), (*string)(nil), []string{}, id).
		WillReturnError(boom)

	err := s.CompleteRun(context.Background(), id, store.Completion{FinishedAt: at, Status: store.RunCanceled})
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "complete run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunMissingRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000090, 0).UTC()
	mock.ExpectExec("UPDATE operation_runs").
		WithArgs(at, "succeeded", 100, (*string)(nil), (*string)(nil), []string{}, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), id, store.Completion{FinishedAt: at, Status: store.RunSucceeded, Percent: 100})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	start := time.Unix(1700000000, 0).UTC()
	finished := start.Add(time.Minute)

	mock.ExpectQuery("SELECT .* FROM operation_runs WHERE monitor_id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			id.String(), "42", start, &finished, "succeeded", 100,
			int64(1), int64(0), (*string)(nil), (*string)(nil), []string{}, finished,
		))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.MonitorID)
	require.Equal(t, store.RunSucceeded, run.Status)
	require.Equal(t, 100, run.Percent)
	require.Equal(t, finished, *run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT .* FROM operation_runs WHERE monitor_id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunQueryError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT .* FROM operation_runs WHERE monitor_id").
		WithArgs(id).
		WillReturnError(boom)

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsByRequest(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT .* FROM operation_runs\\s+WHERE request_id").
		WithArgs("42", 20, 0).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(b.String(), "42", start.Add(time.Hour), (*time.Time)(nil), "running", 40,
				int64(0), int64(0), (*string)(nil), (*string)(nil), []string{}, start.Add(time.Hour)).
			AddRow(a.String(), "42", start, (*time.Time)(nil), "canceled", 10,
				int64(0), int64(2), (*string)(nil), (*string)(nil), []string{}, start))

	runs, err := s.ListRunsByRequest(context.Background(), "42", 20, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, b, runs[0].MonitorID)
	require.Equal(t, int64(2), runs[1].StaleBatches)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	status := store.RunFailed
	filter := "failed"

	mock.ExpectQuery("SELECT .* FROM operation_runs").
		WithArgs(&filter, 10, 5).
		WillReturnRows(pgxmock.NewRows(runColumns))

	runs, err := s.ListRuns(context.Background(), &status, 10, 5)
	require.NoError(t, err)
	require.Empty(t, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS operation_runs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectPing()

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boom := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(boom)

	err := s.Ping(context.Background())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
