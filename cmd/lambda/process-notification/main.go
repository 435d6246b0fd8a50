// process-notification Lambda consumes task completion notifications from
// SQS and stages the timeseries each one routes to.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/hydrostage/internal/lambda"
	"github.com/dwsmith1983/hydrostage/internal/routing"
	"github.com/dwsmith1983/hydrostage/internal/telemetry"
)

// Processor routes one notification payload.
type Processor interface {
	Process(ctx context.Context, payload []byte, source string) (routing.Result, error)
}

// handleEvent processes every record, returning the recoverable failures
// for redelivery.
func handleEvent(ctx context.Context, p Processor, logger *slog.Logger, event events.SQSEvent) events.SQSEventResponse {
	return intlambda.HandleRecords(ctx, logger, event, func(ctx context.Context, log *slog.Logger, record events.SQSMessage) error {
		res, err := p.Process(ctx, []byte(record.Body), intlambda.MessageSource(record))
		if err != nil {
			return err
		}
		log.Info("notification processed",
			"outcome", res.Outcome, "workflow", res.WorkflowID, "taskRun", res.TaskRunID,
			"staged", res.Staged, "exceptions", res.Exceptions)
		return nil
	})
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	d, err := intlambda.GetDeps()
	if err != nil {
		return events.SQSEventResponse{}, err
	}
	resp := handleEvent(ctx, d.Router, d.Logger, event)
	if err := telemetry.Flush(ctx); err != nil {
		d.Logger.Warn("telemetry flush failed", "error", err)
	}
	return resp, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
