package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/internal/testutil"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

var (
	_ Repository = (*testutil.MockStore)(nil)
	_ Runner     = (*testutil.MockStore)(nil)
)

var now = time.Date(2020, 4, 10, 12, 0, 0, 0, time.UTC)

func hoursAgo(h int) time.Time { return now.Add(-time.Duration(h) * time.Hour) }

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name              string
		hard, soft, batch string
		want              Config
	}{
		{"soft defaults to hard", "240", "", "", Config{HardLimit: 240, SoftLimit: 240}},
		{"explicit soft", "240", "200", "", Config{HardLimit: 240, SoftLimit: 200}},
		{"equal limits", "48", "48", "500", Config{HardLimit: 48, SoftLimit: 48, BatchSize: 500}},
		{"whitespace", " 24 ", " 12 ", " 0 ", Config{HardLimit: 24, SoftLimit: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig(tt.hard, tt.soft, tt.batch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name              string
		hard, soft, batch string
		want              string
	}{
		{"missing hard", "", "", "", "hard limit"},
		{"non-integer hard", "ten", "", "", "hard limit"},
		{"zero hard", "0", "", "", "hard limit"},
		{"negative hard", "-5", "", "", "hard limit"},
		{"non-integer soft", "240", "1.5", "", "soft limit"},
		{"zero soft", "240", "0", "", "soft limit"},
		{"soft above hard", "200", "240", "", "must not exceed"},
		{"negative batch", "240", "", "-1", "batch size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.hard, tt.soft, tt.batch)
			testutil.RequireNonRecoverable(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDeleteExpired_SoftLimitRequiresCompletedJob(t *testing.T) {
	s := testutil.NewMockStore()
	s.PutHeader(testutil.Header("complete", "W", "A", hoursAgo(220)))
	s.PutJob("complete", types.JobComplete)
	s.PutHeader(testutil.Header("incomplete", "W", "B", hoursAgo(220)))
	s.PutJob("incomplete", types.JobIncomplete)

	res, err := New(s, s, Config{HardLimit: 240, SoftLimit: 200}).DeleteExpired(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Headers)
	assert.Equal(t, int64(1), res.Jobs)
	headers := s.Headers()
	require.Len(t, headers, 1)
	assert.Equal(t, "incomplete", headers[0].ID)
	assert.Equal(t, 1, s.JobCount())
	assert.Equal(t, []txn.Options{txn.Serializable("delete-expired")}, s.Runs())
}

func TestDeleteExpired_RetentionRule(t *testing.T) {
	cfg := Config{HardLimit: 240, SoftLimit: 200}
	tests := []struct {
		age     int
		status  types.JobStatus
		deleted bool
	}{
		{age: 250, status: types.JobIncomplete, deleted: true},
		{age: 250, deleted: true},
		{age: 220, status: types.JobComplete, deleted: true},
		{age: 220, status: types.JobIncomplete, deleted: false},
		{age: 220, deleted: false},
		{age: 190, status: types.JobComplete, deleted: false},
		{age: 200, status: types.JobComplete, deleted: false},
		{age: 240, status: types.JobIncomplete, deleted: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dh status %d", tt.age, tt.status), func(t *testing.T) {
			s := testutil.NewMockStore()
			s.PutHeader(testutil.Header("h", "W", "A", hoursAgo(tt.age)))
			if tt.status != 0 {
				s.PutJob("h", tt.status)
			}
			_, err := New(s, s, cfg).DeleteExpired(context.Background(), now)
			require.NoError(t, err)
			assert.Equal(t, tt.deleted, len(s.Headers()) == 0)
		})
	}
}

func TestDeleteExpired_RemovesDependentsInBatches(t *testing.T) {
	s := testutil.NewMockStore()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("old-%d", i)
		s.PutHeader(testutil.Header(id, "W", id, hoursAgo(300+i)))
		require.NoError(t, s.InsertTimeseries(context.Background(), nil, types.Timeseries{ID: id + "-ts", HeaderID: id}))
	}
	s.PutHeader(testutil.Header("fresh", "W", "fresh", hoursAgo(1)))
	require.NoError(t, s.InsertTimeseries(context.Background(), nil, types.Timeseries{ID: "fresh-ts", HeaderID: "fresh"}))

	res, err := New(s, s, Config{HardLimit: 240, SoftLimit: 240, BatchSize: 2}).DeleteExpired(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.Headers)
	assert.Equal(t, int64(5), res.Timeseries)
	assert.Equal(t, 3, res.Batches)
	assert.Len(t, s.Headers(), 1)
	assert.Len(t, s.Timeseries("fresh"), 1)
}

func TestDeleteExpired_OldStagingExceptions(t *testing.T) {
	s := testutil.NewMockStore()
	for _, age := range []int{300, 10} {
		require.NoError(t, s.InsertStagingException(context.Background(), nil, types.StagingException{
			Payload:       "bad",
			Description:   "Unable to extract task run ID from message",
			Source:        types.SourceNotification,
			ExceptionTime: hoursAgo(age),
		}))
	}

	res, err := New(s, s, Config{HardLimit: 240, SoftLimit: 240}).DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Exceptions)
	assert.Len(t, s.Exceptions(), 1)
}

func TestDeleteExpired_NothingToDelete(t *testing.T) {
	s := testutil.NewMockStore()
	res, err := New(s, s, Config{HardLimit: 24, SoftLimit: 24}).DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, res.Headers)
	assert.Zero(t, res.Batches)
	assert.Equal(t, hoursAgo(24), res.HardCutoff)
}
