package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/internal/routing"
	"github.com/dwsmith1983/hydrostage/internal/testutil"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/internal/upstream"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

var _ Processor = (*routing.Router)(nil)

type stubFetcher struct{ err error }

func (f stubFetcher) FetchTimeseries(context.Context, upstream.Query) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"timeSeries":[]}`), nil
}

func message(taskRun string) string {
	return fmt.Sprintf("Task run %s of workflow Rainfall_Obs completed. Start time: 2020-03-30 09:00:00 UTC. "+
		"End time: 2020-03-30 09:05:00 UTC. Approved: true. Forecast: false.", taskRun)
}

func TestHandleEvent(t *testing.T) {
	s := testutil.NewMockStore()
	s.AddFilter(types.FilterRoute{WorkflowID: "Rainfall_Obs", FilterID: "Rainfall"})
	router := routing.New(s, s, stubFetcher{}, routing.WithClock(func() time.Time {
		return time.Date(2020, 3, 30, 9, 10, 0, 0, time.UTC)
	}))

	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: message("run-1")},
		{MessageId: "m2", Body: "not a notification"},
		{MessageId: "m3", Body: message("run-1")},
		{MessageId: "m4", Body: message("run-2"), MessageAttributes: map[string]events.SQSMessageAttribute{
			"source": {DataType: "String", StringValue: aws.String(types.SourceReplay)},
		}},
	}}

	resp := handleEvent(context.Background(), router, slog.Default(), event)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Len(t, s.Headers(), 2)

	exceptions := s.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Equal(t, "not a notification", exceptions[0].Payload)
	assert.Equal(t, types.SourceNotification, exceptions[0].Source)
}

func TestHandleEvent_RecoverableFailureRedelivered(t *testing.T) {
	s := testutil.NewMockStore()
	s.LockErr = types.Recoverable(&txn.LockTimeoutError{Table: "ignored_workflow", Err: errors.New("lock timeout")})
	router := routing.New(s, s, stubFetcher{})

	event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "m1", Body: message("run-1")}}}
	resp := handleEvent(context.Background(), router, slog.Default(), event)

	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m1"}}, resp.BatchItemFailures)
	assert.Empty(t, s.Headers())
	assert.Empty(t, s.Exceptions())
}

func TestHandleEvent_UpstreamDown(t *testing.T) {
	s := testutil.NewMockStore()
	s.AddFilter(types.FilterRoute{WorkflowID: "Rainfall_Obs", FilterID: "Rainfall"})
	router := routing.New(s, s, stubFetcher{err: types.Recoverable(&upstream.ConnectionError{URL: "http://pi", Err: errors.New("refused")})})

	event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "m1", Body: message("run-1")}}}
	resp := handleEvent(context.Background(), router, slog.Default(), event)

	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m1"}}, resp.BatchItemFailures)
}
