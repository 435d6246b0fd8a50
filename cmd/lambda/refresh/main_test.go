package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/internal/config"
	"github.com/dwsmith1983/hydrostage/internal/refresh"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

var _ Refresher = (*refresh.Engine)(nil)

const catalogueYAML = `
feeds:
  - name: ignored-workflow
    table: ignored_workflow
    columns:
      - { column: workflow_id, type: string, csvKey: WorkflowId }
  - name: location-thresholds
    table: location_thresholds
    columns:
      - { column: location_id, type: string, csvKey: LOCATIONID }
      - { column: value, type: number, csvKey: VALUE }
`

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeRefresher) Refresh(_ context.Context, feed types.Feed) (refresh.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feed.Name)
	if err := f.errs[feed.Name]; err != nil {
		return refresh.Result{}, err
	}
	return refresh.Result{Feed: feed.Name, Table: feed.TargetTable, Fetched: 1, Loaded: 1}, nil
}

func catalogue(t *testing.T) *config.Catalogue {
	t.Helper()
	cat, err := config.Parse([]byte(catalogueYAML))
	require.NoError(t, err)
	return cat
}

func sqsEvent(bodies ...string) events.SQSEvent {
	var ev events.SQSEvent
	for i, b := range bodies {
		ev.Records = append(ev.Records, events.SQSMessage{MessageId: string(rune('a' + i)), Body: b})
	}
	return ev
}

func TestFeedsFor(t *testing.T) {
	cat := catalogue(t)

	feeds, err := feedsFor(cat, " location-thresholds\n")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "location_thresholds", feeds[0].TargetTable)

	feeds, err = feedsFor(cat, "all")
	require.NoError(t, err)
	assert.Len(t, feeds, 2)

	_, err = feedsFor(cat, "rainfall")
	require.Error(t, err)
	assert.False(t, types.IsRecoverable(err))

	_, err = feedsFor(cat, "  ")
	require.Error(t, err)
	assert.False(t, types.IsRecoverable(err))
}

func TestHandleEvent(t *testing.T) {
	r := &fakeRefresher{}
	resp := handleEvent(context.Background(), r, catalogue(t), slog.Default(), sqsEvent("all", "ignored-workflow", "unknown"))

	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, []string{"ignored-workflow", "location-thresholds", "ignored-workflow"}, r.calls)
}

func TestHandleEvent_FailedFeeds(t *testing.T) {
	tests := []struct {
		name    string
		errs    map[string]error
		retried bool
	}{
		{
			name:    "no csv is redelivered",
			errs:    map[string]error{"location-thresholds": types.Recoverable(refresh.ErrNoCSV)},
			retried: true,
		},
		{
			name:    "missing url is dropped",
			errs:    map[string]error{"location-thresholds": types.NonRecoverable(errors.New("feed has no url"))},
			retried: false,
		},
		{
			name: "any recoverable failure wins",
			errs: map[string]error{
				"ignored-workflow":    types.NonRecoverable(errors.New("feed has no url")),
				"location-thresholds": errors.New("connection reset"),
			},
			retried: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRefresher{errs: tt.errs}
			resp := handleEvent(context.Background(), r, catalogue(t), slog.Default(), sqsEvent("all"))

			assert.Len(t, r.calls, 2)
			if tt.retried {
				assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "a"}}, resp.BatchItemFailures)
			} else {
				assert.Empty(t, resp.BatchItemFailures)
			}
		})
	}
}
