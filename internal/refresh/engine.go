// Package refresh reloads reference tables from CSV feeds.
//
// A refresh replaces the feed's partition of its target table inside one
// serializable transaction under an EXCLUSIVE table lock. Rows that fail
// validation, or that the database rejects, are kept out of the table and
// recorded in csv_staging_exception by a second transaction. A refresh that
// would leave the partition empty is rolled back.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dwsmith1983/hydrostage/internal/events"
	"github.com/dwsmith1983/hydrostage/internal/metrics"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Repository is the reference-table storage a refresh writes.
type Repository interface {
	LockForRefresh(ctx context.Context, tx *txn.Tx, table string) error
	DeletePartition(ctx context.Context, db txn.DBTX, table string, filter *types.PartialUpdate) (int64, error)
	CountPartition(ctx context.Context, db txn.DBTX, table string, filter *types.PartialUpdate) (int64, error)
	PrepareInsert(ctx context.Context, tx *txn.Tx, table string, columns []string) (string, error)
	InsertRow(ctx context.Context, tx *txn.Tx, stmt string, values []any) error
	ReplaceCSVExceptions(ctx context.Context, db txn.DBTX, source string, rows []types.CSVStagingException) error
}

// Runner runs a unit of work in a transaction.
type Runner interface {
	Run(ctx context.Context, opts txn.Options, fn txn.Func) error
}

// Source fetches CSV feeds. *FeedClient is the production implementation.
type Source interface {
	FetchCSV(ctx context.Context, url string) ([]Row, error)
}

// Result summarises one refresh.
type Result struct {
	Feed     string
	Table    string
	Fetched  int
	Deleted  int64
	Loaded   int64
	Rejected int
	// Skipped is set when the feed had no rows and the table was untouched.
	Skipped bool
	// Aborted is set when every row was rejected and the load was rolled back.
	Aborted bool
}

var errEmptyPartition = errors.New("refresh would leave the table empty")

// Engine runs refreshes.
type Engine struct {
	repo      Repository
	runner    Runner
	source    Source
	publisher *events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPublisher sets where refresh outcomes are announced.
func WithPublisher(p *events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the time source for exception timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(repo Repository, runner Runner, source Source, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		runner: runner,
		source: source,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExceptionSource is the csv_staging_exception source a feed's rejected rows
// are recorded under. Feeds sharing a table are kept apart by their
// partition value.
func ExceptionSource(feed types.Feed) string {
	if feed.PartialUpdate == nil {
		return feed.TargetTable
	}
	return feed.TargetTable + "/" + feed.PartialUpdate.Value
}

// Refresh reloads the feed's partition of its target table.
func (e *Engine) Refresh(ctx context.Context, feed types.Feed) (Result, error) {
	res := Result{Feed: feed.Name, Table: feed.TargetTable}
	log := e.logger.With("feed", feed.Name, "table", feed.TargetTable)

	if feed.URL == "" {
		return res, types.NonRecoverable(fmt.Errorf("feed %s has no URL configured", feed.Name))
	}

	rows, err := e.source.FetchCSV(ctx, feed.URL)
	if err != nil {
		return res, err
	}
	res.Fetched = len(rows)
	if len(rows) == 0 {
		log.Info("feed is empty, refresh skipped")
		res.Skipped = true
		return res, nil
	}

	columns, partitionValue := insertColumns(feed)
	var failed []types.CSVStagingException

	err = e.runner.Run(ctx, txn.Serializable("refresh-"+feed.Name), func(ctx context.Context, tx *txn.Tx) error {
		failed = failed[:0]
		res.Loaded = 0

		if err := e.repo.LockForRefresh(ctx, tx, feed.TargetTable); err != nil {
			return err
		}
		deleted, err := e.repo.DeletePartition(ctx, tx, feed.TargetTable, feed.PartialUpdate)
		if err != nil {
			return err
		}
		res.Deleted = deleted

		stmt, err := e.repo.PrepareInsert(ctx, tx, feed.TargetTable, columns)
		if err != nil {
			return err
		}

		for _, row := range rows {
			values, rej := convertRow(feed.Columns, row)
			if rej == nil {
				if partitionValue != nil {
					values = append(values, partitionValue)
				}
				err := e.repo.InsertRow(ctx, tx, stmt, values)
				if err == nil {
					res.Loaded++
					continue
				}
				if rej = databaseRejection(err); rej == nil {
					return txn.Classify(err, feed.TargetTable)
				}
			}
			failed = append(failed, types.CSVStagingException{
				SourceTable:   ExceptionSource(feed),
				Row:           row,
				Description:   rej.description,
				ErrorCode:     rej.code,
				ExceptionTime: e.now(),
			})
		}

		count, err := e.repo.CountPartition(ctx, tx, feed.TargetTable, feed.PartialUpdate)
		if err != nil {
			return err
		}
		if count == 0 {
			return errEmptyPartition
		}
		return nil
	})
	res.Rejected = len(failed)

	switch {
	case errors.Is(err, errEmptyPartition):
		res.Aborted = true
		res.Loaded = 0
		res.Deleted = 0
		log.Warn("every row was rejected, refresh rolled back", "rows", len(rows))
		metrics.Inc(metrics.RefreshAborts, metrics.Attr("table", feed.TargetTable))
	case err != nil:
		if name, ok := txn.IsLockTimeout(err); ok {
			log.Warn("lock timeout refreshing table", "lockedTable", name)
		}
		return res, err
	}

	if err := e.recordRejections(ctx, feed, failed); err != nil {
		return res, err
	}

	metrics.Add(metrics.RefreshRowsLoaded, res.Loaded, metrics.Attr("table", feed.TargetTable))
	metrics.Add(metrics.RefreshRowsRejected, int64(res.Rejected), metrics.Attr("table", feed.TargetTable))

	detail := events.RefreshCompleted
	if res.Aborted {
		detail = events.RefreshAborted
	}
	e.publisher.Publish(ctx, detail, events.Event{
		Table:    feed.TargetTable,
		Count:    res.Loaded,
		Rejected: int64(res.Rejected),
	})

	if !res.Aborted {
		log.Info("refresh complete", "loaded", res.Loaded, "rejected", res.Rejected, "replaced", res.Deleted)
	}
	return res, nil
}

// recordRejections replaces the feed's stored row rejections. It runs after
// the load commits so a failure here cannot undo the refresh.
func (e *Engine) recordRejections(ctx context.Context, feed types.Feed, failed []types.CSVStagingException) error {
	err := e.runner.Run(ctx, txn.Default("refresh-exceptions-"+feed.Name), func(ctx context.Context, tx *txn.Tx) error {
		return e.repo.ReplaceCSVExceptions(ctx, tx, ExceptionSource(feed), failed)
	})
	if err != nil {
		return fmt.Errorf("recording rejected rows for %s: %w", feed.Name, err)
	}
	return nil
}

// insertColumns returns the target columns in insert order and, for a
// partial update, the partition value appended to every row.
func insertColumns(feed types.Feed) ([]string, any) {
	cols := make([]string, 0, len(feed.Columns)+1)
	for _, c := range feed.Columns {
		cols = append(cols, c.TargetColumn)
	}
	if feed.PartialUpdate == nil {
		return cols, nil
	}
	return append(cols, feed.PartialUpdate.Column), feed.PartialUpdate.Value
}

// databaseRejection turns a data exception (class 22) or integrity
// violation (class 23) into a row rejection. Other errors abort the refresh.
func databaseRejection(err error) *rejection {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return nil
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return &rejection{description: pgErr.Message, code: pgErr.Code}
	}
	return nil
}
