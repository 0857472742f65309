// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/opwatch/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "operation_runs"

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// OperationStore implements store.OperationRepository using Postgres.
type OperationStore struct {
	pool  Pool
	table string
}

var _ store.OperationRepository = (*OperationStore)(nil)

// NewOperationStore connects a pool described by cfg.
func NewOperationStore(ctx context.Context, cfg Config) (*OperationStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewOperationStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewOperationStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOperationStoreWithPool(pool Pool, table string) (*OperationStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &OperationStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *OperationStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity; used by the readiness check.
func (s *OperationStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the run table when it does not exist.
func (s *OperationStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	monitor_id    UUID PRIMARY KEY,
	request_id    TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	percent       INTEGER NOT NULL DEFAULT 0,
	retries       BIGINT NOT NULL DEFAULT 0,
	stale_batches BIGINT NOT NULL DEFAULT 0,
	reason        TEXT,
	error_message TEXT,
	failed_tasks  TEXT[] NOT NULL DEFAULT '{}',
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_request_idx ON %[1]s (request_id, started_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts the run row; replays leave the existing row untouched.
func (s *OperationStore) UpsertRunStart(ctx context.Context, monitorID uuid.UUID, requestID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (monitor_id, request_id, started_at, status, updated_at)
VALUES ($1, $2, $3, $4, $3)
ON CONFLICT (monitor_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, monitorID, requestID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// RecordProgress raises the percent and adds counter deltas.
func (s *OperationStore) RecordProgress(ctx context.Context, monitorID uuid.UUID, delta store.ProgressDelta) error {
	query := fmt.Sprintf(`
UPDATE %s
SET percent = GREATEST(percent, $1),
	retries = retries + $2,
	stale_batches = stale_batches + $3,
	updated_at = GREATEST(updated_at, $4)
WHERE monitor_id = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query, delta.Percent, delta.Retries, delta.StaleBatches, delta.At, monitorID)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CompleteRun marks the run terminal.
func (s *OperationStore) CompleteRun(ctx context.Context, monitorID uuid.UUID, c store.Completion) error {
	failed := c.FailedTasks
	if failed == nil {
		failed = []string{}
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1,
	status = $2,
	percent = GREATEST(percent, $3),
	reason = $4,
	error_message = $5,
	failed_tasks = $6,
	updated_at = $1
WHERE monitor_id = $7`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		c.FinishedAt, string(c.Status), c.Percent, c.Reason, c.ErrorMessage, failed, monitorID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectColumns = `monitor_id::text, request_id, started_at, finished_at, status, percent,
	retries, stale_batches, reason, error_message, failed_tasks, updated_at`

// GetRun loads a single run by monitor id.
func (s *OperationStore) GetRun(ctx context.Context, monitorID uuid.UUID) (store.OperationRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE monitor_id = $1`, selectColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, monitorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OperationRun{}, store.ErrNotFound
		}
		return store.OperationRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs filtered by optional status, newest first.
func (s *OperationStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.OperationRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunsByRequest returns runs that tracked requestID, newest first.
func (s *OperationStore) ListRunsByRequest(ctx context.Context, requestID string, limit, offset int) ([]store.OperationRun, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE request_id = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, requestID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs by request: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]store.OperationRun, error) {
	defer rows.Close()
	runs := []store.OperationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.OperationRun, error) {
	var (
		run       store.OperationRun
		monitorID string
		status    string
	)
	err := row.Scan(
		&monitorID,
		&run.RequestID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Percent,
		&run.Retries,
		&run.StaleBatches,
		&run.Reason,
		&run.ErrorMessage,
		&run.FailedTasks,
		&run.UpdatedAt,
	)
	if err != nil {
		return store.OperationRun{}, err
	}
	id, err := uuid.Parse(monitorID)
	if err != nil {
		return store.OperationRun{}, fmt.Errorf("parse monitor id: %w", err)
	}
	run.MonitorID = id
	run.Status = store.RunStatus(status)
	return run, nil
}
