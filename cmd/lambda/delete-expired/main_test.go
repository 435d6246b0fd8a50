package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/internal/retention"
	"github.com/dwsmith1983/hydrostage/internal/testutil"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

var _ Deleter = (*retention.Deleter)(nil)

func env(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(env(map[string]string{
		"DELETE_EXPIRED_HARD_LIMIT": "240",
		"DELETE_EXPIRED_SOFT_LIMIT": "200",
		"DELETE_EXPIRED_BATCH_SIZE": "1000",
	}))
	require.NoError(t, err)
	assert.Equal(t, retention.Config{HardLimit: 240, SoftLimit: 200, BatchSize: 1000}, cfg)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig(env(map[string]string{
		"DELETE_EXPIRED_HARD_LIMIT": "200",
		"DELETE_EXPIRED_SOFT_LIMIT": "240",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention config")
	testutil.RequireNonRecoverable(t, err)

	_, err = loadConfig(env(nil))
	require.Error(t, err)
	testutil.RequireNonRecoverable(t, err)
}

func TestRun(t *testing.T) {
	now := time.Date(2020, 4, 10, 12, 0, 0, 0, time.UTC)
	s := testutil.NewMockStore()
	s.PutHeader(testutil.Header("old", "W", "A", now.Add(-250*time.Hour)))
	s.PutJob("old", types.JobIncomplete)
	s.PutHeader(testutil.Header("new", "W", "B", now.Add(-2*time.Hour)))

	d := retention.New(s, s, retention.Config{HardLimit: 240, SoftLimit: 200})
	require.NoError(t, run(context.Background(), d, slog.Default(), now))

	headers := s.Headers()
	require.Len(t, headers, 1)
	assert.Equal(t, "new", headers[0].ID)
	assert.Zero(t, s.JobCount())
}

type failingDeleter struct{ err error }

func (f failingDeleter) DeleteExpired(context.Context, time.Time) (retention.Result, error) {
	return retention.Result{}, f.err
}

func TestRun_Error(t *testing.T) {
	want := errors.New("lock timeout")
	err := run(context.Background(), failingDeleter{err: want}, slog.Default(), time.Now())
	assert.ErrorIs(t, err, want)
}
