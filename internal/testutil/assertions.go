package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// RequireRecoverable fails the test unless err is non-nil and recoverable.
func RequireRecoverable(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, types.IsRecoverable(err), "expected recoverable error, got %v", err)
}

// RequireNonRecoverable fails the test unless err is non-nil and terminal.
func RequireNonRecoverable(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.False(t, types.IsRecoverable(err), "expected non-recoverable error, got %v", err)
}

// Header builds a staged header imported at importTime.
func Header(id, workflowID, taskRunID string, importTime time.Time) types.TimeseriesHeader {
	return types.TimeseriesHeader{
		ID:                 id,
		WorkflowID:         workflowID,
		TaskRunID:          taskRunID,
		TaskStartTime:      importTime.Add(-time.Hour),
		TaskCompletionTime: importTime.Add(-5 * time.Minute),
		Forecast:           true,
		Approved:           true,
		ImportTime:         importTime,
	}
}
