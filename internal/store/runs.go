package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/warcscan/internal/scan"
)

// ErrRunNotFound signals that the requested scan run does not exist.
var ErrRunNotFound = errors.New("scan run not found")

// RunStatus mirrors the scan_runs status column.
type RunStatus string

// Scan run statuses persisted in scan_runs.status.
const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// ScanRun models one row of run history.
type ScanRun struct {
	// ID is the primary key of scan_runs.
	ID uuid.UUID
	// Session is the ledger session baked into the output filenames.
	Session string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// Status is running/completed/interrupted/failed.
	Status RunStatus
	// Processed, Detections and Failures copy the final run counters.
	Processed  int64
	Detections int64
	Failures   int64
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

type runQuerier interface {
	execCloser
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// RunStore keeps the scan run history in Postgres so finished and
// interrupted runs stay inspectable after the process exits.
type RunStore struct {
	pool runQuerier
}

// NewRunStore creates a Postgres-backed RunStore.
func NewRunStore(ctx context.Context, dsn string) (*RunStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRunStoreWithPool(pool runQuerier) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordStart inserts the run row in running state. Re-recording the
// same run is idempotent.
func (s *RunStore) RecordStart(ctx context.Context, run ScanRun) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	query := `
		INSERT INTO scan_runs (id, session, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, run.ID, run.Session, run.StartedAt, RunRunning)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordFinish marks the run terminal with its final counters and an
// optional error message.
func (s *RunStore) RecordFinish(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status RunStatus,
	stats scan.RunStats,
	errMsg *string,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	query := `
		UPDATE scan_runs
		SET finished_at = $1, status = $2, processed = $3, detections = $4, failures = $5, error_message = $6
		WHERE id = $7;
	`
	_, err := s.pool.Exec(ctx, query,
		finishedAt,
		status,
		int64(stats.Processed),
		int64(stats.Detections),
		int64(stats.Failed),
		errMsg,
		id,
	)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (ScanRun, error) {
	if s == nil || s.pool == nil {
		return ScanRun{}, fmt.Errorf("run store is not configured")
	}
	query := `
		SELECT id, session, started_at, finished_at, status, processed, detections, failures, error_message
		FROM scan_runs
		WHERE id = $1;
	`
	var run ScanRun
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.Session,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Processed,
		&run.Detections,
		&run.Failures,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScanRun{}, ErrRunNotFound
		}
		return ScanRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves run history newest-first, with optional status
// filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]ScanRun, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store is not configured")
	}
	query := `
		SELECT id, session, started_at, finished_at, status, processed, detections, failures, error_message
		FROM scan_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []ScanRun
	for rows.Next() {
		var run ScanRun
		err := rows.Scan(
			&run.ID,
			&run.Session,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.Processed,
			&run.Detections,
			&run.Failures,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read run rows: %w", err)
	}
	return runs, nil
}

// ParseRunStatus normalizes a status filter string.
func ParseRunStatus(input string) (RunStatus, error) {
	switch input {
	case "running":
		return RunRunning, nil
	case "completed":
		return RunCompleted, nil
	case "interrupted":
		return RunInterrupted, nil
	case "failed", "failure", "error":
		return RunFailed, nil
	default:
		return "", fmt.Errorf("invalid run status %q", input)
	}
}
