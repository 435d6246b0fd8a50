// Package testutil provides shared test utilities for hydrostage.
package testutil

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/hydrostage/internal/store"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// MockStore is an in-memory staging database. It implements the repository
// interfaces of the routing, refresh, retention and replay packages, and
// Run emulates a transaction: state written by a failing unit of work is
// discarded.
type MockStore struct {
	mu    sync.Mutex
	state mockState

	// LockErr, when set, is returned by every table lock request.
	LockErr error
	// InsertRowHook, when set, is consulted before a reference row is
	// inserted; a non-nil error rejects the row.
	InsertRowHook func(table string, row map[string]any) error

	runs  []txn.Options
	locks []string
}

type mockState struct {
	headers       map[string]types.TimeseriesHeader
	timeseries    []types.Timeseries
	jobs          map[string]types.JobStatus
	exceptions    []types.StagingException
	nextException int64
	csvExceptions map[string][]types.CSVStagingException
	displayGroups []types.DisplayGroupRoute
	filters       []types.FilterRoute
	ignored       map[string]bool
	tables        map[string][]map[string]any
	statements    map[string]preparedInsert
}

type preparedInsert struct {
	table   string
	columns []string
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{state: mockState{
		headers:       make(map[string]types.TimeseriesHeader),
		jobs:          make(map[string]types.JobStatus),
		csvExceptions: make(map[string][]types.CSVStagingException),
		ignored:       make(map[string]bool),
		tables:        make(map[string][]map[string]any),
		statements:    make(map[string]preparedInsert),
	}}
}

func (s mockState) clone() mockState {
	c := mockState{
		headers:       maps.Clone(s.headers),
		timeseries:    slices.Clone(s.timeseries),
		jobs:          maps.Clone(s.jobs),
		exceptions:    slices.Clone(s.exceptions),
		nextException: s.nextException,
		csvExceptions: make(map[string][]types.CSVStagingException, len(s.csvExceptions)),
		displayGroups: slices.Clone(s.displayGroups),
		filters:       slices.Clone(s.filters),
		ignored:       maps.Clone(s.ignored),
		tables:        make(map[string][]map[string]any, len(s.tables)),
		statements:    make(map[string]preparedInsert),
	}
	for k, v := range s.csvExceptions {
		c.csvExceptions[k] = slices.Clone(v)
	}
	for k, v := range s.tables {
		c.tables[k] = slices.Clone(v)
	}
	return c
}

// Run invokes fn with a placeholder transaction. If fn fails, every write it
// made is discarded.
func (m *MockStore) Run(ctx context.Context, opts txn.Options, fn txn.Func) error {
	m.mu.Lock()
	m.runs = append(m.runs, opts)
	snapshot := m.state.clone()
	m.mu.Unlock()

	err := fn(ctx, &txn.Tx{})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = snapshot
		return err
	}
	m.state.statements = make(map[string]preparedInsert)
	return nil
}

// Runs returns the options of every unit of work started.
func (m *MockStore) Runs() []txn.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.runs)
}

// Locks returns the tables locked so far, in order, as "MODE table".
func (m *MockStore) Locks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.locks)
}

func (m *MockStore) lock(mode txn.LockMode, tables ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LockErr != nil {
		return m.LockErr
	}
	for _, t := range tables {
		m.locks = append(m.locks, string(mode)+" "+t)
	}
	return nil
}

// --- workflow configuration ---

// AddDisplayGroup configures a plot for a display-group workflow.
func (m *MockStore) AddDisplayGroup(r types.DisplayGroupRoute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.displayGroups = append(m.state.displayGroups, r)
}

// AddFilter configures a filter for a non-display-group workflow.
func (m *MockStore) AddFilter(r types.FilterRoute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.filters = append(m.state.filters, r)
}

// IgnoreWorkflow adds workflowID to the ignored workflows.
func (m *MockStore) IgnoreWorkflow(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ignored[workflowID] = true
}

func (m *MockStore) LockWorkflowConfig(_ context.Context, _ *txn.Tx) error {
	return m.lock(txn.LockShare, store.WorkflowConfigTables...)
}

func (m *MockStore) IsIgnoredWorkflow(_ context.Context, _ txn.DBTX, workflowID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ignored[workflowID], nil
}

func (m *MockStore) DisplayGroupRoutes(_ context.Context, _ txn.DBTX, workflowID string) ([]types.DisplayGroupRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.DisplayGroupRoute
	for _, r := range m.state.displayGroups {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockStore) FilterRoutes(_ context.Context, _ txn.DBTX, workflowID string) ([]types.FilterRoute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.FilterRoute
	for _, r := range m.state.filters {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- staged timeseries ---

func (m *MockStore) LatestTaskRun(_ context.Context, _ txn.DBTX, workflowID string) (*types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *types.TaskRun
	for _, h := range m.state.headers {
		if h.WorkflowID != workflowID {
			continue
		}
		if latest == nil || h.TaskCompletionTime.After(latest.TaskCompletionTime) {
			latest = &types.TaskRun{TaskRunID: h.TaskRunID, TaskCompletionTime: h.TaskCompletionTime}
		}
	}
	return latest, nil
}

func (m *MockStore) HeaderID(_ context.Context, _ txn.DBTX, workflowID, taskRunID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.state.headers {
		if h.WorkflowID == workflowID && h.TaskRunID == taskRunID {
			return h.ID, nil
		}
	}
	return "", nil
}

func (m *MockStore) StagedParameters(_ context.Context, _ txn.DBTX, headerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var params []string
	for _, ts := range m.state.timeseries {
		if ts.HeaderID == headerID {
			params = append(params, ts.Parameters)
		}
	}
	return params, nil
}

func (m *MockStore) InsertHeader(_ context.Context, _ txn.DBTX, h types.TimeseriesHeader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.headers {
		if existing.WorkflowID == h.WorkflowID && existing.TaskRunID == h.TaskRunID {
			return fmt.Errorf("duplicate header %s/%s", h.WorkflowID, h.TaskRunID)
		}
	}
	m.state.headers[h.ID] = h
	return nil
}

func (m *MockStore) InsertTimeseries(_ context.Context, _ txn.DBTX, ts types.Timeseries) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.headers[ts.HeaderID]; !ok {
		return fmt.Errorf("timeseries references missing header %s", ts.HeaderID)
	}
	m.state.timeseries = append(m.state.timeseries, ts)
	return nil
}

// Headers returns the staged headers ordered by import time.
func (m *MockStore) Headers() []types.TimeseriesHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.state.headers))
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImportTime.Equal(out[j].ImportTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ImportTime.Before(out[j].ImportTime)
	})
	return out
}

// Timeseries returns the staged series for headerID.
func (m *MockStore) Timeseries(headerID string) []types.Timeseries {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Timeseries
	for _, ts := range m.state.timeseries {
		if ts.HeaderID == headerID {
			out = append(out, ts)
		}
	}
	return out
}

// PutHeader seeds a header directly, bypassing routing.
func (m *MockStore) PutHeader(h types.TimeseriesHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.headers[h.ID] = h
}

// PutJob seeds a downstream reporting job for a header.
func (m *MockStore) PutJob(headerID string, status types.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.jobs[headerID] = status
}

// JobCount returns the number of reporting jobs.
func (m *MockStore) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.jobs)
}

// --- staging exceptions ---

func (m *MockStore) InsertStagingException(_ context.Context, _ txn.DBTX, e types.StagingException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextException++
	e.ID = m.state.nextException
	m.state.exceptions = append(m.state.exceptions, e)
	return nil
}

func (m *MockStore) StagingExceptions(_ context.Context, _ txn.DBTX, ids []int64) ([]types.StagingException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.StagingException
	for _, e := range m.state.exceptions {
		if slices.Contains(ids, e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) RecentStagingExceptions(_ context.Context, _ txn.DBTX, limit int) ([]types.StagingException, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.state.exceptions)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) DeleteStagingExceptions(_ context.Context, _ txn.DBTX, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.state.exceptions)
	m.state.exceptions = slices.DeleteFunc(m.state.exceptions, func(e types.StagingException) bool {
		return slices.Contains(ids, e.ID)
	})
	return int64(before - len(m.state.exceptions)), nil
}

func (m *MockStore) DeleteStagingExceptionsBefore(_ context.Context, _ txn.DBTX, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.state.exceptions)
	m.state.exceptions = slices.DeleteFunc(m.state.exceptions, func(e types.StagingException) bool {
		return e.ExceptionTime.Before(cutoff)
	})
	return int64(before - len(m.state.exceptions)), nil
}

// Exceptions returns every recorded staging exception in insertion order.
func (m *MockStore) Exceptions() []types.StagingException {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.exceptions)
}

// --- reference data refresh ---

func (m *MockStore) LockForRefresh(_ context.Context, _ *txn.Tx, table string) error {
	return m.lock(txn.LockExclusive, table)
}

func (m *MockStore) DeletePartition(_ context.Context, _ txn.DBTX, table string, filter *types.PartialUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.state.tables[table])
	m.state.tables[table] = slices.DeleteFunc(m.state.tables[table], func(row map[string]any) bool {
		return inPartition(row, filter)
	})
	return int64(before - len(m.state.tables[table])), nil
}

func (m *MockStore) CountPartition(_ context.Context, _ txn.DBTX, table string, filter *types.PartialUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.state.tables[table] {
		if inPartition(row, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) PrepareInsert(_ context.Context, _ *txn.Tx, table string, columns []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := "refresh_insert_" + table
	m.state.statements[name] = preparedInsert{table: table, columns: slices.Clone(columns)}
	return name, nil
}

func (m *MockStore) InsertRow(_ context.Context, _ *txn.Tx, stmt string, values []any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.statements[stmt]
	if !ok {
		return fmt.Errorf("prepared statement %q does not exist", stmt)
	}
	if len(values) != len(p.columns) {
		return fmt.Errorf("statement %q expects %d values, got %d", stmt, len(p.columns), len(values))
	}
	row := make(map[string]any, len(values))
	for i, c := range p.columns {
		row[c] = values[i]
	}
	if m.InsertRowHook != nil {
		if err := m.InsertRowHook(p.table, row); err != nil {
			return err
		}
	}
	m.state.tables[p.table] = append(m.state.tables[p.table], row)
	return nil
}

func (m *MockStore) ReplaceCSVExceptions(_ context.Context, _ txn.DBTX, table string, rows []types.CSVStagingException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.csvExceptions[table] = slices.Clone(rows)
	return nil
}

// SeedTable replaces the contents of a reference table.
func (m *MockStore) SeedTable(table string, rows ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.tables[table] = slices.Clone(rows)
}

// TableRows returns the current rows of a reference table.
func (m *MockStore) TableRows(table string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.tables[table])
}

// CSVExceptions returns the stored row rejections for source.
func (m *MockStore) CSVExceptions(source string) []types.CSVStagingException {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.csvExceptions[source])
}

func inPartition(row map[string]any, filter *types.PartialUpdate) bool {
	if filter == nil {
		return true
	}
	return fmt.Sprint(row[filter.Column]) == filter.Value
}

// --- retention ---

func (m *MockStore) ExpiredHeaderIDs(_ context.Context, _ txn.DBTX, hardCutoff, softCutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []types.TimeseriesHeader
	for _, h := range m.state.headers {
		hard := h.ImportTime.Before(hardCutoff)
		soft := h.ImportTime.Before(softCutoff) && m.state.jobs[h.ID] == types.JobComplete
		if hard || soft {
			candidates = append(candidates, h)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ImportTime.Equal(candidates[j].ImportTime) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].ImportTime.Before(candidates[j].ImportTime)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]string, len(candidates))
	for i, h := range candidates {
		ids[i] = h.ID
	}
	return ids, nil
}

func (m *MockStore) DeleteHeaders(_ context.Context, _ txn.DBTX, ids []string) (store.DeleteCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts store.DeleteCounts
	for _, id := range ids {
		if _, ok := m.state.jobs[id]; ok {
			delete(m.state.jobs, id)
			counts.Jobs++
		}
	}
	before := len(m.state.timeseries)
	m.state.timeseries = slices.DeleteFunc(m.state.timeseries, func(ts types.Timeseries) bool {
		return slices.Contains(ids, ts.HeaderID)
	})
	counts.Timeseries = int64(before - len(m.state.timeseries))
	for _, id := range ids {
		if _, ok := m.state.headers[id]; ok {
			delete(m.state.headers, id)
			counts.Headers++
		}
	}
	return counts, nil
}
