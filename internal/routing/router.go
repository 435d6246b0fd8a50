// Package routing decides what a task completion notification means for the
// staging database and stages the resulting timeseries.
//
// A notification moves through preprocess, parse, deduplicate, gate,
// resolve and persist. Everything after parsing runs in one serializable
// transaction that holds SHARE locks on the workflow configuration tables,
// so a concurrent reference refresh can never be observed half done.
package routing

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/hydrostage/internal/events"
	"github.com/dwsmith1983/hydrostage/internal/metrics"
	"github.com/dwsmith1983/hydrostage/internal/notify"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/internal/upstream"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Repository is the staging storage the router reads and writes.
type Repository interface {
	LockWorkflowConfig(ctx context.Context, tx *txn.Tx) error
	LatestTaskRun(ctx context.Context, db txn.DBTX, workflowID string) (*types.TaskRun, error)
	HeaderID(ctx context.Context, db txn.DBTX, workflowID, taskRunID string) (string, error)
	StagedParameters(ctx context.Context, db txn.DBTX, headerID string) ([]string, error)
	IsIgnoredWorkflow(ctx context.Context, db txn.DBTX, workflowID string) (bool, error)
	DisplayGroupRoutes(ctx context.Context, db txn.DBTX, workflowID string) ([]types.DisplayGroupRoute, error)
	FilterRoutes(ctx context.Context, db txn.DBTX, workflowID string) ([]types.FilterRoute, error)
	InsertHeader(ctx context.Context, db txn.DBTX, h types.TimeseriesHeader) error
	InsertTimeseries(ctx context.Context, db txn.DBTX, ts types.Timeseries) error
	InsertStagingException(ctx context.Context, db txn.DBTX, e types.StagingException) error
}

// Runner runs a unit of work in a transaction. *txn.Coordinator is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, opts txn.Options, fn txn.Func) error
}

// Fetcher retrieves one timeseries document from the forecasting engine.
type Fetcher interface {
	FetchTimeseries(ctx context.Context, q upstream.Query) ([]byte, error)
}

// Outcome is the terminal state a notification reached.
type Outcome string

// Outcome values.
const (
	OutcomeStaged     Outcome = "staged"
	OutcomeStale      Outcome = "stale"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnapproved Outcome = "unapproved"
	OutcomeException  Outcome = "exception"
)

// Result summarises one processed notification.
type Result struct {
	Outcome    Outcome
	WorkflowID string
	TaskRunID  string
	HeaderID   string
	Staged     int
	Exceptions int
}

// defaultFetchConcurrency bounds parallel upstream requests per notification.
const defaultFetchConcurrency = 4

// Router processes notifications.
type Router struct {
	repo        Repository
	runner      Runner
	fetcher     Fetcher
	publisher   *events.Publisher
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithPublisher sets where staged task runs are announced.
func WithPublisher(p *events.Publisher) Option {
	return func(r *Router) { r.publisher = p }
}

// WithClock overrides the time source used for import and exception times.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithFetchConcurrency bounds the number of parallel upstream requests.
func WithFetchConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates a Router.
func New(repo Repository, runner Runner, fetcher Fetcher, opts ...Option) *Router {
	r := &Router{
		repo:        repo,
		runner:      runner,
		fetcher:     fetcher,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		concurrency: defaultFetchConcurrency,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Process routes one delivered payload. source is recorded on any staging
// exception. Outcomes recorded as staging exceptions return a nil error; a
// returned error means nothing was written and the delivery should be
// retried when the error is recoverable.
func (r *Router) Process(ctx context.Context, payload []byte, source string) (Result, error) {
	var res Result

	message, perr := notify.Preprocess(payload)
	var n notify.Notification
	if perr == nil {
		n, perr = notify.Parse(message)
	} else {
		message = string(payload)
	}

	err := r.runner.Run(ctx, txn.Serializable("route-notification"), func(ctx context.Context, tx *txn.Tx) error {
		res = Result{WorkflowID: n.WorkflowID, TaskRunID: n.TaskRunID}
		if perr != nil {
			return r.recordParseFailure(ctx, tx, &res, message, source, perr)
		}
		return r.route(ctx, tx, &res, n, source)
	})
	if err != nil {
		if name, ok := txn.IsLockTimeout(err); ok {
			r.logger.Warn("lock timeout routing notification", "table", name,
				"workflow", n.WorkflowID, "taskRun", n.TaskRunID)
		}
		return Result{}, err
	}

	metrics.Inc(metrics.NotificationsProcessed, metrics.Attr("outcome", string(res.Outcome)))
	metrics.Add(metrics.TimeseriesStaged, int64(res.Staged), metrics.Attr("workflow", res.WorkflowID))
	metrics.Add(metrics.StagingExceptions, int64(res.Exceptions), metrics.Attr("source", source))

	if res.Outcome == OutcomeStaged {
		r.publisher.Publish(ctx, events.TimeseriesStaged, events.Event{
			WorkflowID: res.WorkflowID,
			TaskRunID:  res.TaskRunID,
			HeaderID:   res.HeaderID,
			Count:      int64(res.Staged),
		})
	}
	return res, nil
}

func (r *Router) recordParseFailure(ctx context.Context, tx *txn.Tx, res *Result, message, source string, cause error) error {
	res.Outcome = OutcomeException
	r.logger.Info("notification rejected", "reason", cause.Error())
	// Partial extraction still helps whoever replays the exception.
	return r.except(ctx, tx, res, types.StagingException{
		Payload:     message,
		TaskRunID:   notify.TaskRunID(message).Value,
		WorkflowID:  notify.WorkflowID(message).Value,
		Description: cause.Error(),
		Source:      source,
	})
}

func (r *Router) route(ctx context.Context, tx *txn.Tx, res *Result, n notify.Notification, source string) error {
	log := r.logger.With("workflow", n.WorkflowID, "taskRun", n.TaskRunID)

	if err := r.repo.LockWorkflowConfig(ctx, tx); err != nil {
		return err
	}

	// Deduplicate. A replay of a staged task run tops up the series its
	// first delivery could not fetch.
	headerID, err := r.repo.HeaderID(ctx, tx, n.WorkflowID, n.TaskRunID)
	if err != nil {
		return err
	}
	topUp := headerID != "" && source == types.SourceReplay
	if !topUp {
		latest, err := r.repo.LatestTaskRun(ctx, tx, n.WorkflowID)
		if err != nil {
			return err
		}
		if latest != nil && n.CompletionTime.Before(latest.TaskCompletionTime) {
			log.Info("ignoring stale task run",
				"completed", n.CompletionTime, "latestTaskRun", latest.TaskRunID, "latestCompleted", latest.TaskCompletionTime)
			res.Outcome = OutcomeStale
			return nil
		}
		if headerID != "" {
			log.Info("ignoring duplicate task run")
			res.Outcome = OutcomeDuplicate
			return nil
		}
	}

	// Gate.
	ignored, err := r.repo.IsIgnoredWorkflow(ctx, tx, n.WorkflowID)
	if err != nil {
		return err
	}
	if ignored {
		log.Info("ignoring task run of ignored workflow")
		res.Outcome = OutcomeIgnored
		return nil
	}
	if n.Forecast && !n.Approved {
		log.Info("ignoring unapproved forecast")
		res.Outcome = OutcomeUnapproved
		return nil
	}

	// Resolve.
	configured, err := r.configuredRoutes(ctx, tx, n)
	if err != nil {
		return err
	}
	if configured.Len() == 0 {
		log.Warn("no routes configured for workflow")
		res.Outcome = OutcomeException
		return r.except(ctx, tx, res, types.StagingException{
			Payload:     n.Message,
			TaskRunID:   n.TaskRunID,
			WorkflowID:  n.WorkflowID,
			Description: fmt.Sprintf("Missing input data for workflow %s", n.WorkflowID),
			Source:      source,
		})
	}
	routes := selectRoutes(n, configured)
	if routes.Len() == 0 {
		log.Info("every configured filter requires an approved task run")
		res.Outcome = OutcomeUnapproved
		return nil
	}

	// Persist.
	return r.persist(ctx, tx, res, n, routes, source, headerID, log)
}

func (r *Router) configuredRoutes(ctx context.Context, tx *txn.Tx, n notify.Notification) (types.Routes, error) {
	var routes types.Routes
	if n.Forecast {
		dg, err := r.repo.DisplayGroupRoutes(ctx, tx, n.WorkflowID)
		if err != nil {
			return routes, err
		}
		routes.DisplayGroups = dg
	}
	filters, err := r.repo.FilterRoutes(ctx, tx, n.WorkflowID)
	if err != nil {
		return routes, err
	}
	routes.Filters = filters
	return routes, nil
}

type fetched struct {
	query   upstream.Query
	payload []byte
	err     error
}

// persist fetches and stages the routes' series. With an existing header
// only the series not yet staged under it are fetched.
func (r *Router) persist(ctx context.Context, tx *txn.Tx, res *Result, n notify.Notification, routes types.Routes, source, headerID string, log *slog.Logger) error {
	queries := buildQueries(n, routes)
	if headerID != "" {
		var err error
		if queries, err = r.unstaged(ctx, tx, headerID, queries); err != nil {
			return err
		}
		if len(queries) == 0 {
			log.Info("replayed task run already fully staged", "header", headerID)
			res.Outcome = OutcomeDuplicate
			res.HeaderID = headerID
			return nil
		}
	}

	results, err := r.fetchAll(ctx, queries)
	if err != nil {
		return err
	}

	var ok []fetched
	for _, f := range results {
		if f.err != nil {
			log.Warn("timeseries unavailable", "query", f.query.String(), "error", f.err)
			if err := r.except(ctx, tx, res, types.StagingException{
				Payload:     n.Message,
				TaskRunID:   n.TaskRunID,
				WorkflowID:  n.WorkflowID,
				Description: fmt.Sprintf("Unable to retrieve timeseries (%s): %s", f.query.String(), f.err.Error()),
				Source:      source,
			}); err != nil {
				return err
			}
			continue
		}
		ok = append(ok, f)
	}
	if len(ok) == 0 {
		// No header, so a replay of the exception is not treated as a duplicate.
		res.Outcome = OutcomeException
		return nil
	}

	if headerID == "" {
		header := types.TimeseriesHeader{
			ID:                 ulid.Make().String(),
			WorkflowID:         n.WorkflowID,
			TaskRunID:          n.TaskRunID,
			TaskStartTime:      n.StartTime,
			TaskCompletionTime: n.CompletionTime,
			Forecast:           n.Forecast,
			Approved:           n.Approved,
			ImportTime:         r.now(),
			Message:            n.Message,
		}
		if err := r.repo.InsertHeader(ctx, tx, header); err != nil {
			return err
		}
		headerID = header.ID
	}
	for _, f := range ok {
		payload, err := compress(f.payload)
		if err != nil {
			return fmt.Errorf("compress timeseries: %w", err)
		}
		if err := r.repo.InsertTimeseries(ctx, tx, types.Timeseries{
			ID:         ulid.Make().String(),
			HeaderID:   headerID,
			Parameters: f.query.String(),
			Payload:    payload,
		}); err != nil {
			return err
		}
		res.Staged++
	}

	res.Outcome = OutcomeStaged
	res.HeaderID = headerID
	log.Info("task run staged", "header", headerID, "timeseries", res.Staged, "exceptions", res.Exceptions)
	return nil
}

func (r *Router) unstaged(ctx context.Context, tx *txn.Tx, headerID string, queries []upstream.Query) ([]upstream.Query, error) {
	staged, err := r.repo.StagedParameters(ctx, tx, headerID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(queries, func(q upstream.Query) bool {
		return slices.Contains(staged, q.String())
	}), nil
}

// fetchAll runs every query concurrently. A recoverable failure aborts the
// whole batch; non-recoverable failures are returned per query.
func (r *Router) fetchAll(ctx context.Context, queries []upstream.Query) ([]fetched, error) {
	results := make([]fetched, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			payload, err := r.fetcher.FetchTimeseries(gctx, q)
			if err != nil && types.IsRecoverable(err) {
				return err
			}
			results[i] = fetched{query: q, payload: payload, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Router) except(ctx context.Context, tx *txn.Tx, res *Result, e types.StagingException) error {
	e.ExceptionTime = r.now()
	if err := r.repo.InsertStagingException(ctx, tx, e); err != nil {
		return err
	}
	res.Exceptions++
	return nil
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
