// refresh Lambda reloads CSV reference feeds. Each SQS record names one
// feed, or "all" for the whole catalogue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"

	"github.com/dwsmith1983/hydrostage/internal/config"
	intlambda "github.com/dwsmith1983/hydrostage/internal/lambda"
	"github.com/dwsmith1983/hydrostage/internal/refresh"
	"github.com/dwsmith1983/hydrostage/internal/telemetry"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// allFeeds selects every feed in the catalogue.
const allFeeds = "all"

// Refresher reloads one feed.
type Refresher interface {
	Refresh(ctx context.Context, feed types.Feed) (refresh.Result, error)
}

// feedsFor resolves a trigger body to the feeds it names.
func feedsFor(cat *config.Catalogue, body string) ([]types.Feed, error) {
	name := strings.TrimSpace(body)
	if name == "" {
		return nil, types.NonRecoverable(errors.New("refresh trigger names no feed"))
	}
	if name == allFeeds {
		return cat.Feeds, nil
	}
	feed, ok := cat.Feed(name)
	if !ok {
		return nil, types.NonRecoverable(fmt.Errorf("unknown feed %q", name))
	}
	return []types.Feed{feed}, nil
}

// handleEvent refreshes the feeds each record names. A record is redelivered
// when any of its feeds failed recoverably; terminal feed failures are only
// logged in that case.
func handleEvent(ctx context.Context, r Refresher, cat *config.Catalogue, logger *slog.Logger, event events.SQSEvent) events.SQSEventResponse {
	return intlambda.HandleRecords(ctx, logger, event, func(ctx context.Context, log *slog.Logger, record events.SQSMessage) error {
		feeds, err := feedsFor(cat, record.Body)
		if err != nil {
			return err
		}
		var retry, terminal []error
		for _, feed := range feeds {
			res, err := r.Refresh(ctx, feed)
			if err != nil {
				err = fmt.Errorf("feed %s: %w", feed.Name, err)
				if types.IsRecoverable(err) {
					retry = append(retry, err)
				} else {
					terminal = append(terminal, err)
				}
				continue
			}
			log.Info("feed refreshed", "feed", res.Feed, "table", res.Table, "fetched", res.Fetched,
				"loaded", res.Loaded, "rejected", res.Rejected, "skipped", res.Skipped, "aborted", res.Aborted)
		}
		if len(retry) == 0 {
			return errors.Join(terminal...)
		}
		for _, err := range terminal {
			log.Error("feed refresh failed", "error", err)
		}
		return errors.Join(retry...)
	})
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	d, err := intlambda.GetDeps()
	if err != nil {
		return events.SQSEventResponse{}, err
	}
	resp := handleEvent(ctx, d.Refresher, d.Catalogue, d.Logger, event)
	if err := telemetry.Flush(ctx); err != nil {
		d.Logger.Warn("telemetry flush failed", "error", err)
	}
	return resp, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
