// delete-expired Lambda removes staged timeseries past their retention
// window. Invoked by EventBridge on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/hydrostage/internal/lambda"
	"github.com/dwsmith1983/hydrostage/internal/retention"
	"github.com/dwsmith1983/hydrostage/internal/telemetry"
)

// Deleter runs one retention pass.
type Deleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (retention.Result, error)
}

// loadConfig reads the retention windows. Reads: DELETE_EXPIRED_HARD_LIMIT,
// DELETE_EXPIRED_SOFT_LIMIT, DELETE_EXPIRED_BATCH_SIZE.
func loadConfig(getenv func(string) string) (retention.Config, error) {
	cfg, err := retention.ParseConfig(
		getenv("DELETE_EXPIRED_HARD_LIMIT"),
		getenv("DELETE_EXPIRED_SOFT_LIMIT"),
		getenv("DELETE_EXPIRED_BATCH_SIZE"),
	)
	if err != nil {
		return retention.Config{}, fmt.Errorf("retention config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, d Deleter, logger *slog.Logger, now time.Time) error {
	res, err := d.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	logger.Info("retention pass complete",
		"headers", res.Headers, "timeseries", res.Timeseries, "jobs", res.Jobs,
		"exceptions", res.Exceptions, "batches", res.Batches)
	return nil
}

func handler(ctx context.Context) error {
	// Bad windows fail before any connection is opened.
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return err
	}
	d, err := intlambda.GetDeps()
	if err != nil {
		return err
	}
	deleter := retention.New(d.Store, d.Coordinator, cfg,
		retention.WithLogger(d.Logger), retention.WithPublisher(d.Publisher))
	ictx, log := intlambda.StartInvocation(ctx, d.Logger)
	err = run(ictx, deleter, log, time.Now().UTC())
	if ferr := telemetry.Flush(ctx); ferr != nil {
		d.Logger.Warn("telemetry flush failed", "error", ferr)
	}
	return err
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
