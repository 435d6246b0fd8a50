package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// LockWorkflowConfig takes SHARE locks on the workflow configuration tables
// for the rest of tx, excluding a concurrent refresh of any of them.
func (s *Store) LockWorkflowConfig(ctx context.Context, tx *txn.Tx) error {
	return tx.LockTables(ctx, txn.LockShare, WorkflowConfigTables...)
}

// LatestTaskRun returns the staged task run with the latest completion time
// for workflowID, or nil when none is staged.
func (s *Store) LatestTaskRun(ctx context.Context, db txn.DBTX, workflowID string) (*types.TaskRun, error) {
	var run types.TaskRun
	err := db.QueryRow(ctx, `
		SELECT task_run_id, task_completion_time
		FROM timeseries_header
		WHERE workflow_id = $1
		ORDER BY task_completion_time DESC
		LIMIT 1
	`, workflowID).Scan(&run.TaskRunID, &run.TaskCompletionTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest task run for %s: %w", workflowID, txn.Classify(err, TableHeader))
	}
	return &run, nil
}

// HeaderID returns the id of the header staged for the task run, or "" when
// none is.
func (s *Store) HeaderID(ctx context.Context, db txn.DBTX, workflowID, taskRunID string) (string, error) {
	var id string
	err := db.QueryRow(ctx,
		"SELECT id FROM timeseries_header WHERE workflow_id = $1 AND task_run_id = $2",
		workflowID, taskRunID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("header lookup for %s/%s: %w", workflowID, taskRunID, txn.Classify(err, TableHeader))
	}
	return id, nil
}

// StagedParameters returns the query parameters of every series staged
// under headerID.
func (s *Store) StagedParameters(ctx context.Context, db txn.DBTX, headerID string) ([]string, error) {
	rows, err := db.Query(ctx,
		"SELECT fews_parameters FROM timeseries WHERE timeseries_header_id = $1", headerID)
	if err != nil {
		return nil, fmt.Errorf("staged series for header %s: %w", headerID, txn.Classify(err, TableTimeseries))
	}
	params, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("iterate staged series: %w", txn.Classify(err, TableTimeseries))
	}
	return params, nil
}

// IsIgnoredWorkflow reports whether workflowID is configured to be ignored.
func (s *Store) IsIgnoredWorkflow(ctx context.Context, db txn.DBTX, workflowID string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ignored_workflow WHERE workflow_id = $1)", workflowID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ignored workflow lookup for %s: %w", workflowID, txn.Classify(err, TableIgnoredWorkflow))
	}
	return exists, nil
}

// DisplayGroupRoutes returns one route per plot configured for workflowID.
func (s *Store) DisplayGroupRoutes(ctx context.Context, db txn.DBTX, workflowID string) ([]types.DisplayGroupRoute, error) {
	rows, err := db.Query(ctx, `
		SELECT plot_id, string_agg(location_id, ';' ORDER BY location_id)
		FROM display_group_workflow
		WHERE workflow_id = $1
		GROUP BY plot_id
		ORDER BY plot_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("display group routes for %s: %w", workflowID, txn.Classify(err, TableDisplayGroupWorkflow))
	}
	defer rows.Close()

	var routes []types.DisplayGroupRoute
	for rows.Next() {
		var plotID, locations string
		if err := rows.Scan(&plotID, &locations); err != nil {
			return nil, fmt.Errorf("scan display group route: %w", err)
		}
		routes = append(routes, types.DisplayGroupRoute{
			WorkflowID:  workflowID,
			PlotID:      plotID,
			LocationIDs: strings.Split(locations, ";"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate display group routes: %w", txn.Classify(err, TableDisplayGroupWorkflow))
	}
	return routes, nil
}

// FilterRoutes returns the filters configured for workflowID.
func (s *Store) FilterRoutes(ctx context.Context, db txn.DBTX, workflowID string) ([]types.FilterRoute, error) {
	rows, err := db.Query(ctx, `
		SELECT filter_id, approved, start_time_offset_hours, end_time_offset_hours,
		       COALESCE(timeseries_type, '')
		FROM non_display_group_workflow
		WHERE workflow_id = $1
		ORDER BY filter_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("filter routes for %s: %w", workflowID, txn.Classify(err, TableNonDisplayGroupWorkflow))
	}
	defer rows.Close()

	var routes []types.FilterRoute
	for rows.Next() {
		r := types.FilterRoute{WorkflowID: workflowID}
		if err := rows.Scan(&r.FilterID, &r.Approved, &r.StartTimeOffsetHours, &r.EndTimeOffsetHours, &r.TimeseriesType); err != nil {
			return nil, fmt.Errorf("scan filter route: %w", err)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter routes: %w", txn.Classify(err, TableNonDisplayGroupWorkflow))
	}
	return routes, nil
}

// InsertHeader stages a task run header.
func (s *Store) InsertHeader(ctx context.Context, db txn.DBTX, h types.TimeseriesHeader) error {
	_, err := db.Exec(ctx, `
		INSERT INTO timeseries_header (id, workflow_id, task_run_id, task_start_time,
			task_completion_time, forecast, approved, import_time, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, h.ID, h.WorkflowID, h.TaskRunID, h.TaskStartTime, h.TaskCompletionTime,
		h.Forecast, h.Approved, h.ImportTime, h.Message)
	if err != nil {
		return fmt.Errorf("insert header %s/%s: %w", h.WorkflowID, h.TaskRunID, txn.Classify(err, TableHeader))
	}
	return nil
}

// InsertTimeseries stages one fetched series.
func (s *Store) InsertTimeseries(ctx context.Context, db txn.DBTX, ts types.Timeseries) error {
	_, err := db.Exec(ctx, `
		INSERT INTO timeseries (id, timeseries_header_id, fews_parameters, fews_data)
		VALUES ($1, $2, $3, $4)
	`, ts.ID, ts.HeaderID, ts.Parameters, ts.Payload)
	if err != nil {
		return fmt.Errorf("insert timeseries for header %s: %w", ts.HeaderID, txn.Classify(err, TableTimeseries))
	}
	return nil
}
