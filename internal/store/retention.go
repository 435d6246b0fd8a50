package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// DeleteCounts reports rows removed per table.
type DeleteCounts struct {
	Jobs       int64
	Timeseries int64
	Headers    int64
}

// Add accumulates other into c.
func (c *DeleteCounts) Add(other DeleteCounts) {
	c.Jobs += other.Jobs
	c.Timeseries += other.Timeseries
	c.Headers += other.Headers
}

// ExpiredHeaderIDs returns headers imported before hardCutoff, plus headers
// imported before softCutoff whose reporting job completed. limit <= 0
// returns every candidate.
func (s *Store) ExpiredHeaderIDs(ctx context.Context, db txn.DBTX, hardCutoff, softCutoff time.Time, limit int) ([]string, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := db.Query(ctx, `
		SELECT h.id
		FROM timeseries_header h
		WHERE h.import_time < $1
		   OR (h.import_time < $2 AND EXISTS (
		        SELECT 1 FROM timeseries_job j
		        WHERE j.timeseries_header_id = h.id AND j.job_status = $3))
		ORDER BY h.import_time, h.id
		LIMIT $4
	`, hardCutoff, softCutoff, int(types.JobComplete), lim)
	if err != nil {
		return nil, fmt.Errorf("query expired headers: %w", txn.Classify(err, TableHeader))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired header: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired headers: %w", txn.Classify(err, TableHeader))
	}
	return ids, nil
}

// DeleteHeaders removes the headers and their dependents in referential
// order: reporting jobs, then timeseries, then headers.
func (s *Store) DeleteHeaders(ctx context.Context, db txn.DBTX, ids []string) (DeleteCounts, error) {
	var counts DeleteCounts
	if len(ids) == 0 {
		return counts, nil
	}

	steps := []struct {
		table string
		sql   string
		dst   *int64
	}{
		{TableJob, "DELETE FROM timeseries_job WHERE timeseries_header_id = ANY($1)", &counts.Jobs},
		{TableTimeseries, "DELETE FROM timeseries WHERE timeseries_header_id = ANY($1)", &counts.Timeseries},
		{TableHeader, "DELETE FROM timeseries_header WHERE id = ANY($1)", &counts.Headers},
	}
	for _, st := range steps {
		tag, err := db.Exec(ctx, st.sql, ids)
		if err != nil {
			return counts, fmt.Errorf("delete from %s: %w", st.table, txn.Classify(err, st.table))
		}
		*st.dst = tag.RowsAffected()
	}
	return counts, nil
}

// DeleteStagingExceptionsBefore removes staging exceptions recorded before
// cutoff.
func (s *Store) DeleteStagingExceptionsBefore(ctx context.Context, db txn.DBTX, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, "DELETE FROM staging_exception WHERE exception_time < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete staging exceptions: %w", txn.Classify(err, TableStagingException))
	}
	return tag.RowsAffected(), nil
}

// InsertJob records a downstream reporting job for a header. The pipeline
// itself never writes jobs; operational tooling and tests do.
func (s *Store) InsertJob(ctx context.Context, db txn.DBTX, headerID string, status types.JobStatus) error {
	_, err := db.Exec(ctx,
		"INSERT INTO timeseries_job (timeseries_header_id, job_status) VALUES ($1, $2)", headerID, int(status))
	if err != nil {
		return fmt.Errorf("insert job for %s: %w", headerID, txn.Classify(err, TableJob))
	}
	return nil
}
