package lambda

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/oklog/ulid/v2"

	stagingevents "github.com/dwsmith1983/hydrostage/internal/events"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// RecordFunc handles one SQS record.
type RecordFunc func(ctx context.Context, logger *slog.Logger, record events.SQSMessage) error

// HandleRecords runs fn for every record and reports the records the queue
// should redeliver. Non-recoverable failures are logged and dropped;
// anything else is returned as a batch item failure.
func HandleRecords(ctx context.Context, logger *slog.Logger, event events.SQSEvent, fn RecordFunc) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		rctx, log := StartInvocation(ctx, logger)
		log = log.With("messageId", record.MessageId)
		err := fn(rctx, log, record)
		if err == nil {
			continue
		}
		if !types.IsRecoverable(err) {
			log.Error("dropping message after non-recoverable failure", "error", err)
			continue
		}
		log.Warn("message will be redelivered", "error", err)
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: record.MessageId,
		})
	}
	return resp
}

// StartInvocation mints an invocation id and attaches it to both the
// returned logger and the context that events are published under.
func StartInvocation(ctx context.Context, logger *slog.Logger) (context.Context, *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	id := ulid.Make().String()
	return stagingevents.WithInvocationID(ctx, id), logger.With("invocation", id)
}

// MessageSource returns the staging exception source recorded for record:
// the "source" message attribute when present, otherwise notification.
func MessageSource(record events.SQSMessage) string {
	if attr, ok := record.MessageAttributes["source"]; ok && attr.StringValue != nil && *attr.StringValue != "" {
		return *attr.StringValue
	}
	return types.SourceNotification
}
