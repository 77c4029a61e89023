package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
)

const testRunColumns = `run_id, test_suite, environment, task_arn, status, result, failure_reasons, created_at, updated_at`

// FindByTaskArn returns the run already linked to a task.
func (r *Repository) FindByTaskArn(ctx context.Context, taskArn string) (*domain.TestRun, error) {
	const query = `SELECT ` + testRunColumns + ` FROM test_runs WHERE task_arn = $1`
	return scanTestRun(r.pool.QueryRow(ctx, query, taskArn))
}

// Link claims the newest unlinked run of the suite in the environment created
// within the link window before ids.Timestamp, and attaches the task to it.
// Concurrent linkers skip rows another transaction is claiming.
func (r *Repository) Link(ctx context.Context, ids domain.TestRunMatchIDs, taskArn string) (*domain.TestRun, error) {
	const query = `UPDATE test_runs
		SET task_arn = $1
		WHERE run_id = (
			SELECT run_id FROM test_runs
			WHERE test_suite = $2
				AND environment = $3
				AND task_arn IS NULL
				AND created_at >= $4
				AND created_at <= $5
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + testRunColumns
	row := r.pool.QueryRow(ctx, query,
		taskArn,
		ids.Name,
		ids.Environment,
		ids.Timestamp.Add(-r.linkWindow),
		ids.Timestamp,
	)
	run, err := scanTestRun(row)
	if err != nil {
		return nil, mapError(err)
	}
	return run, nil
}

// UpdateStatus records the derived status, result and failure reasons for the
// run linked to taskArn.
func (r *Repository) UpdateStatus(ctx context.Context, taskArn, status string, result *string, updated time.Time, reasons []domain.FailureReason) error {
	payload, err := encodeReasons(reasons)
	if err != nil {
		return err
	}
	const query = `UPDATE test_runs
		SET status = $2, result = $3, updated_at = $4, failure_reasons = $5::jsonb
		WHERE task_arn = $1`
	tag, err := r.pool.Exec(ctx, query, taskArn, status, result, updated, payload)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanTestRun(row pgx.Row) (*domain.TestRun, error) {
	var (
		run        domain.TestRun
		taskArn    sql.NullString
		result     sql.NullString
		reasonsRaw []byte
		updatedAt  sql.NullTime
	)
	if err := row.Scan(&run.RunID, &run.TestSuite, &run.Environment, &taskArn, &run.Status, &result, &reasonsRaw, &run.Created, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if taskArn.Valid {
		run.TaskArn = &taskArn.String
	}
	if result.Valid {
		run.Result = &result.String
	}
	if updatedAt.Valid {
		run.Updated = updatedAt.Time
	}
	reasons, err := decodeReasons(reasonsRaw)
	if err != nil {
		return nil, err
	}
	run.FailureReasons = reasons
	return &run, nil
}
