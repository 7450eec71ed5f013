package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkflowRun is one execution record of the poll orchestrator. Failed runs
// carry the absorbed error code and cause; the next scheduled run proceeds
// independently from persisted watch state.
type WorkflowRun struct {
	RunID      string
	TenantID   string
	State      string
	ErrorCode  string
	ErrorCause string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in flight
}

// StartRun records the beginning of an orchestrator run.
func (s *Store) StartRun(ctx context.Context, runID, tenantID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_id, tenant_id, state, started_at) VALUES (?, ?, ?, ?)`,
		runID, tenantID, state, s.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: start run %s: %w", runID, err)
	}

	return nil
}

// FinishRun records the terminal state of a run, with error code and cause
// for failed runs (empty for successful ones).
func (s *Store) FinishRun(ctx context.Context, runID, state, errCode, errCause string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET state = ?, error_code = ?, error_cause = ?, finished_at = ?
		 WHERE run_id = ?`,
		state, nullable(errCode), nullable(errCause), s.nowFunc().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("store: finish run %s: %w", runID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: finish run %s rows affected: %w", runID, err)
	}

	if rows == 0 {
		return fmt.Errorf("store: finish run %s: unknown run", runID)
	}

	return nil
}

// RecentRuns returns up to limit runs, newest first. Empty tenantID returns
// runs for all tenants.
func (s *Store) RecentRuns(ctx context.Context, tenantID string, limit int) ([]WorkflowRun, error) {
	query := `SELECT run_id, tenant_id, state, error_code, error_cause, started_at, finished_at
		 FROM workflow_runs`
	args := []any{}

	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}

	query += ` ORDER BY started_at DESC, run_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun

	for rows.Next() {
		var (
			run        WorkflowRun
			errCode    sql.NullString
			errCause   sql.NullString
			startedAt  int64
			finishedAt sql.NullInt64
		)

		err := rows.Scan(&run.RunID, &run.TenantID, &run.State, &errCode, &errCause,
			&startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scanning run row: %w", err)
		}

		run.ErrorCode = errCode.String
		run.ErrorCause = errCause.String
		run.StartedAt = time.UnixMilli(startedAt)

		if finishedAt.Valid {
			run.FinishedAt = time.UnixMilli(finishedAt.Int64)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating run rows: %w", err)
	}

	return runs, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
