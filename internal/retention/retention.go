// Package retention deletes staged task runs that have outlived the
// configured retention windows.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dwsmith1983/hydrostage/internal/events"
	"github.com/dwsmith1983/hydrostage/internal/metrics"
	"github.com/dwsmith1983/hydrostage/internal/store"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Config holds the retention windows in hours. A header older than
// HardLimit is always deleted; one older than SoftLimit is deleted once its
// reporting job completed. BatchSize bounds the headers deleted per
// statement; zero deletes every candidate at once.
type Config struct {
	HardLimit int
	SoftLimit int
	BatchSize int
}

// ParseConfig validates the raw retention settings. An empty soft limit
// defaults to the hard limit. Every failure is non-recoverable.
func ParseConfig(hard, soft, batch string) (Config, error) {
	var cfg Config

	h, err := strconv.Atoi(strings.TrimSpace(hard))
	if err != nil || h <= 0 {
		return cfg, types.NonRecoverable(fmt.Errorf("hard limit must be a positive integer number of hours, got %q", hard))
	}
	cfg.HardLimit = h

	cfg.SoftLimit = h
	if strings.TrimSpace(soft) != "" {
		s, err := strconv.Atoi(strings.TrimSpace(soft))
		if err != nil || s <= 0 {
			return cfg, types.NonRecoverable(fmt.Errorf("soft limit must be a positive integer number of hours, got %q", soft))
		}
		if s > h {
			return cfg, types.NonRecoverable(fmt.Errorf("soft limit (%d hours) must not exceed hard limit (%d hours)", s, h))
		}
		cfg.SoftLimit = s
	}

	if strings.TrimSpace(batch) != "" {
		b, err := strconv.Atoi(strings.TrimSpace(batch))
		if err != nil || b < 0 {
			return cfg, types.NonRecoverable(fmt.Errorf("batch size must be a non-negative integer, got %q", batch))
		}
		cfg.BatchSize = b
	}
	return cfg, nil
}

// Cutoffs returns the hard and soft watermarks relative to now.
func (c Config) Cutoffs(now time.Time) (hard, soft time.Time) {
	return now.Add(-time.Duration(c.HardLimit) * time.Hour), now.Add(-time.Duration(c.SoftLimit) * time.Hour)
}

// Repository is the staging storage retention deletes from.
type Repository interface {
	ExpiredHeaderIDs(ctx context.Context, db txn.DBTX, hardCutoff, softCutoff time.Time, limit int) ([]string, error)
	DeleteHeaders(ctx context.Context, db txn.DBTX, ids []string) (store.DeleteCounts, error)
	DeleteStagingExceptionsBefore(ctx context.Context, db txn.DBTX, cutoff time.Time) (int64, error)
}

// Runner runs a unit of work in a transaction.
type Runner interface {
	Run(ctx context.Context, opts txn.Options, fn txn.Func) error
}

// Result summarises one deletion run.
type Result struct {
	HardCutoff time.Time
	SoftCutoff time.Time
	store.DeleteCounts
	Exceptions int64
	Batches    int
}

// Deleter runs retention deletions.
type Deleter struct {
	repo      Repository
	runner    Runner
	cfg       Config
	publisher *events.Publisher
	logger    *slog.Logger
}

// Option configures a Deleter.
type Option func(*Deleter)

// WithLogger sets the deleter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deleter) { d.logger = l }
}

// WithPublisher sets where deletion totals are announced.
func WithPublisher(p *events.Publisher) Option {
	return func(d *Deleter) { d.publisher = p }
}

// New creates a Deleter.
func New(repo Repository, runner Runner, cfg Config, opts ...Option) *Deleter {
	d := &Deleter{repo: repo, runner: runner, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DeleteExpired removes every expired header with its jobs and timeseries,
// batch by batch, in one serializable transaction. Staging exceptions older
// than the hard cutoff go with them.
func (d *Deleter) DeleteExpired(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	res.HardCutoff, res.SoftCutoff = d.cfg.Cutoffs(now)

	err := d.runner.Run(ctx, txn.Serializable("delete-expired"), func(ctx context.Context, tx *txn.Tx) error {
		res.DeleteCounts = store.DeleteCounts{}
		res.Batches = 0

		for {
			ids, err := d.repo.ExpiredHeaderIDs(ctx, tx, res.HardCutoff, res.SoftCutoff, d.cfg.BatchSize)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				break
			}
			counts, err := d.repo.DeleteHeaders(ctx, tx, ids)
			if err != nil {
				return err
			}
			res.DeleteCounts.Add(counts)
			res.Batches++
			if d.cfg.BatchSize <= 0 || len(ids) < d.cfg.BatchSize {
				break
			}
		}

		n, err := d.repo.DeleteStagingExceptionsBefore(ctx, tx, res.HardCutoff)
		if err != nil {
			return err
		}
		res.Exceptions = n
		return nil
	})
	if err != nil {
		if name, ok := txn.IsLockTimeout(err); ok {
			d.logger.Warn("lock timeout deleting expired records", "table", name)
		}
		return Result{}, err
	}

	metrics.Add(metrics.RecordsExpired, res.Jobs, metrics.Attr("table", store.TableJob))
	metrics.Add(metrics.RecordsExpired, res.Timeseries, metrics.Attr("table", store.TableTimeseries))
	metrics.Add(metrics.RecordsExpired, res.Headers, metrics.Attr("table", store.TableHeader))
	metrics.Add(metrics.RecordsExpired, res.Exceptions, metrics.Attr("table", store.TableStagingException))

	if res.Headers > 0 {
		d.publisher.Publish(ctx, events.RecordsExpired, events.Event{Table: store.TableHeader, Count: res.Headers})
	}
	d.logger.Info("expired records deleted",
		"hardCutoff", res.HardCutoff, "softCutoff", res.SoftCutoff,
		"headers", res.Headers, "timeseries", res.Timeseries, "jobs", res.Jobs,
		"exceptions", res.Exceptions, "batches", res.Batches)
	return res, nil
}
