// Package lambda provides shared initialization for the Lambda handlers.
package lambda

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dwsmith1983/hydrostage/internal/config"
	"github.com/dwsmith1983/hydrostage/internal/events"
	"github.com/dwsmith1983/hydrostage/internal/refresh"
	"github.com/dwsmith1983/hydrostage/internal/replay"
	"github.com/dwsmith1983/hydrostage/internal/routing"
	"github.com/dwsmith1983/hydrostage/internal/store"
	"github.com/dwsmith1983/hydrostage/internal/telemetry"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/internal/upstream"
)

// Deps holds shared dependencies for Lambda handlers.
type Deps struct {
	Store       *store.Store
	Coordinator *txn.Coordinator
	Publisher   *events.Publisher
	Router      *routing.Router
	Refresher   *refresh.Engine
	Replayer    *replay.Replayer
	Catalogue   *config.Catalogue
	Logger      *slog.Logger
	Shutdown    telemetry.Shutdown
}

// Init creates shared dependencies from environment variables.
// Reads: DATABASE_URL or DATABASE_SECRET_ARN, LOCK_TIMEOUT, FEWS_PI_BASE_URL,
// UPSTREAM_TIMEOUT, EVENT_BUS_NAME, NOTIFICATION_QUEUE_URL, FEED_CATALOGUE,
// FEED_URL_<FEED>.
func Init(ctx context.Context) (*Deps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return Build(ctx, logger)
}

// Build wires the dependencies from the environment around logger. The CLI
// uses it with its own text logger.
func Build(ctx context.Context, logger *slog.Logger) (*Deps, error) {
	lockTimeout, err := envDuration("LOCK_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	upstreamTimeout, err := envDuration("UPSTREAM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	catalogue, err := config.Load(os.Getenv("FEED_CATALOGUE"))
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var secrets SecretsAPI
	if os.Getenv("DATABASE_URL") == "" {
		secrets = secretsmanager.NewFromConfig(awsCfg)
	}
	dsn, err := ResolveDSN(ctx, os.Getenv, secrets)
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(ctx, envOrDefault("OTEL_SERVICE_NAME", "hydrostage"))
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, dsn)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	coord := txn.New(st.Pool(), txn.WithLockTimeout(lockTimeout), txn.WithLogger(logger))

	var publisher *events.Publisher
	if bus := os.Getenv("EVENT_BUS_NAME"); bus != "" {
		publisher = events.NewPublisher(eventbridge.NewFromConfig(awsCfg), bus, logger)
	}

	client := upstream.NewClient(os.Getenv("FEWS_PI_BASE_URL"),
		upstream.WithHTTPClient(&http.Client{Timeout: upstreamTimeout}),
		upstream.WithLogger(logger))

	return &Deps{
		Store:       st,
		Coordinator: coord,
		Publisher:   publisher,
		Router: routing.New(st, coord, client,
			routing.WithLogger(logger), routing.WithPublisher(publisher)),
		Refresher: refresh.New(st, coord, refresh.NewFeedClient(&http.Client{Timeout: upstreamTimeout}),
			refresh.WithLogger(logger), refresh.WithPublisher(publisher)),
		Replayer: replay.New(st, coord, sqs.NewFromConfig(awsCfg), os.Getenv("NOTIFICATION_QUEUE_URL"),
			replay.WithLogger(logger), replay.WithPublisher(publisher)),
		Catalogue: catalogue,
		Logger:    logger,
		Shutdown:  shutdown,
	}, nil
}

var (
	deps     *Deps
	depsErr  error
	depsOnce sync.Once
)

// GetDeps initializes the shared dependencies on first use and returns the
// same instance for every later invocation of a warm container.
func GetDeps() (*Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = Init(context.Background())
	})
	return deps, depsErr
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

// Close flushes telemetry and closes the database pool.
func (d *Deps) Close(ctx context.Context) {
	if d.Shutdown != nil {
		if err := d.Shutdown(ctx); err != nil {
			d.Logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	d.Store.Close()
}
