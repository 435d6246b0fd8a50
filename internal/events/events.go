// Package events publishes staging outcomes to an EventBridge bus so
// downstream reporting can react without polling the staging database.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// Source is the EventBridge source of every event this package emits.
const Source = "hydrostage"

// Detail types.
const (
	TimeseriesStaged = "Timeseries Staged"
	RefreshCompleted = "Reference Data Refreshed"
	RefreshAborted   = "Reference Data Refresh Aborted"
	RecordsExpired   = "Staged Records Expired"
	ExceptionsReplay = "Staging Exceptions Replayed"
)

// PutEventsAPI is the subset of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Event is the normalized detail body. Fields not relevant to a detail type
// are omitted.
type Event struct {
	InvocationID string    `json:"invocationId,omitempty"`
	WorkflowID   string    `json:"workflowId,omitempty"`
	TaskRunID    string    `json:"taskRunId,omitempty"`
	HeaderID     string    `json:"headerId,omitempty"`
	Table        string    `json:"table,omitempty"`
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type invocationKey struct{}

// WithInvocationID returns a context whose published events carry id.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationKey{}, id)
}

// InvocationID returns the invocation id attached to ctx, if any.
func InvocationID(ctx context.Context) string {
	id, _ := ctx.Value(invocationKey{}).(string)
	return id
}

// Publisher sends events to one bus. A Publisher with no client or bus is a
// no-op, which is how local runs and tests use it.
type Publisher struct {
	client PutEventsAPI
	bus    string
	logger *slog.Logger
}

// NewPublisher returns a publisher for bus.
func NewPublisher(client PutEventsAPI, bus string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, bus: bus, logger: logger}
}

// Publish sends one event. Best-effort: errors are logged, not returned.
func (p *Publisher) Publish(ctx context.Context, detailType string, evt Event) {
	if p == nil || p.client == nil || p.bus == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.InvocationID == "" {
		evt.InvocationID = InvocationID(ctx)
	}

	detail, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("failed to marshal event", "detailType", detailType, "error", err)
		return
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(p.bus),
			Source:       aws.String(Source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(evt.Timestamp),
		}},
	})
	if err != nil {
		p.logger.Error("failed to publish event", "detailType", detailType, "error", err)
		return
	}
	if out != nil && out.FailedEntryCount > 0 {
		p.logger.Error("event rejected by bus", "detailType", detailType,
			"bus", p.bus, "failed", out.FailedEntryCount)
	}
}
