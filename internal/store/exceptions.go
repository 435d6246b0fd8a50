package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// InsertStagingException records a notification that could not be processed.
func (s *Store) InsertStagingException(ctx context.Context, db txn.DBTX, e types.StagingException) error {
	_, err := db.Exec(ctx, `
		INSERT INTO staging_exception (payload, task_run_id, workflow_id, description, source, exception_time)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
	`, e.Payload, e.TaskRunID, e.WorkflowID, e.Description, e.Source, e.ExceptionTime)
	if err != nil {
		return fmt.Errorf("insert staging exception: %w", txn.Classify(err, TableStagingException))
	}
	return nil
}

// StagingExceptions returns the exceptions with the given ids, locking them
// against a concurrent replay.
func (s *Store) StagingExceptions(ctx context.Context, db txn.DBTX, ids []int64) ([]types.StagingException, error) {
	rows, err := db.Query(ctx, `
		SELECT id, payload, COALESCE(task_run_id, ''), COALESCE(workflow_id, ''),
		       description, source, exception_time
		FROM staging_exception
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query staging exceptions: %w", txn.Classify(err, TableStagingException))
	}
	return scanStagingExceptions(rows)
}

// RecentStagingExceptions returns the newest exceptions first.
func (s *Store) RecentStagingExceptions(ctx context.Context, db txn.DBTX, limit int) ([]types.StagingException, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(ctx, `
		SELECT id, payload, COALESCE(task_run_id, ''), COALESCE(workflow_id, ''),
		       description, source, exception_time
		FROM staging_exception
		ORDER BY exception_time DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent staging exceptions: %w", txn.Classify(err, TableStagingException))
	}
	return scanStagingExceptions(rows)
}

func scanStagingExceptions(rows pgx.Rows) ([]types.StagingException, error) {
	defer rows.Close()
	var out []types.StagingException
	for rows.Next() {
		var e types.StagingException
		if err := rows.Scan(&e.ID, &e.Payload, &e.TaskRunID, &e.WorkflowID, &e.Description, &e.Source, &e.ExceptionTime); err != nil {
			return nil, fmt.Errorf("scan staging exception: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staging exceptions: %w", err)
	}
	return out, nil
}

// DeleteStagingExceptions removes exceptions by id.
func (s *Store) DeleteStagingExceptions(ctx context.Context, db txn.DBTX, ids []int64) (int64, error) {
	tag, err := db.Exec(ctx, "DELETE FROM staging_exception WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, fmt.Errorf("delete staging exceptions: %w", txn.Classify(err, TableStagingException))
	}
	return tag.RowsAffected(), nil
}

// ReplaceCSVExceptions swaps the stored row rejections for table with rows.
func (s *Store) ReplaceCSVExceptions(ctx context.Context, db txn.DBTX, table string, rows []types.CSVStagingException) error {
	if _, err := db.Exec(ctx, "DELETE FROM csv_staging_exception WHERE source_table = $1", table); err != nil {
		return fmt.Errorf("clear csv exceptions for %s: %w", table, txn.Classify(err, TableCSVStagingException))
	}
	for _, r := range rows {
		rowJSON, err := json.Marshal(r.Row)
		if err != nil {
			return fmt.Errorf("marshal rejected row: %w", err)
		}
		_, err = db.Exec(ctx, `
			INSERT INTO csv_staging_exception (source_table, row_data, description, error_code, exception_time)
			VALUES ($1, $2, $3, $4, $5)
		`, table, rowJSON, r.Description, r.ErrorCode, r.ExceptionTime)
		if err != nil {
			return fmt.Errorf("insert csv exception for %s: %w", table, txn.Classify(err, TableCSVStagingException))
		}
	}
	return nil
}
