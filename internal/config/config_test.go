package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

func TestLoadDefaultCatalogue(t *testing.T) {
	t.Setenv("FEED_URL_LOCATION_THRESHOLDS", "https://feeds.example.com/thresholds.csv")

	cat, err := Load("")
	require.NoError(t, err)

	f, ok := cat.Feed("location-thresholds")
	require.True(t, ok)
	assert.Equal(t, "location_thresholds", f.TargetTable)
	assert.Equal(t, "https://feeds.example.com/thresholds.csv", f.URL)

	coastal, ok := cat.Feed("coastal-triton-forecast-location")
	require.True(t, ok)
	require.NotNil(t, coastal.PartialUpdate)
	assert.Equal(t, types.PartialUpdate{Column: "coastal_type", Value: "Triton"}, *coastal.PartialUpdate)

	assert.Contains(t, cat.Names(), "display-group-workflow")
	assert.Contains(t, cat.Names(), "ignored-workflow")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	content := `feeds:
  - name: gauges
    url: https://feeds.example.com/gauges.csv
    table: gauges
    columns:
      - column: gauge_id
        type: string
        csvKey: GaugeID
        preprocessor: upper
      - column: datum
        type: number
        csvKey: Datum
        allowNull: true
`
	path := filepath.Join(dir, "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cat, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cat.Feeds, 1)
	f := cat.Feeds[0]
	assert.Equal(t, "https://feeds.example.com/gauges.csv", f.URL)
	assert.Equal(t, types.ColumnSpec{TargetColumn: "gauge_id", SourceType: types.SourceString, CSVKey: "GaugeID", Preprocessor: "upper"}, f.Columns[0])
	assert.True(t, f.Columns[1].AllowNull)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/feeds.yaml")
	assert.Error(t, err)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("feeds: [yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no feeds", "feeds: []", "at least one feed"},
		{"missing name", "feeds:\n  - table: t\n    columns: [{column: a, type: string, csvKey: A}]", "name is required"},
		{"missing table", "feeds:\n  - name: f\n    columns: [{column: a, type: string, csvKey: A}]", "table is required"},
		{"no columns", "feeds:\n  - name: f\n    table: t", "at least one column"},
		{"duplicate feed", "feeds:\n  - name: f\n    table: t\n    columns: [{column: a, type: string, csvKey: A}]\n  - name: f\n    table: u\n    columns: [{column: a, type: string, csvKey: A}]", "duplicate name"},
		{"bad type", "feeds:\n  - name: f\n    table: t\n    columns: [{column: a, type: blob, csvKey: A}]", "unknown type"},
		{"bad preprocessor", "feeds:\n  - name: f\n    table: t\n    columns: [{column: a, type: string, csvKey: A, preprocessor: rot13}]", "unknown preprocessor"},
		{"missing csv key", "feeds:\n  - name: f\n    table: t\n    columns: [{column: a, type: string}]", "csvKey"},
		{"column mapped twice", "feeds:\n  - name: f\n    table: t\n    columns: [{column: a, type: string, csvKey: A}, {column: a, type: string, csvKey: B}]", "mapped twice"},
		{"partial update column mapped", "feeds:\n  - name: f\n    table: t\n    partialUpdate: {column: a, value: x}\n    columns: [{column: a, type: string, csvKey: A}]", "also mapped"},
		{"partial update without value", "feeds:\n  - name: f\n    table: t\n    partialUpdate: {column: k}\n    columns: [{column: a, type: string, csvKey: A}]", "needs a column and a value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestURLEnvVar(t *testing.T) {
	assert.Equal(t, "FEED_URL_COASTAL_TIDAL_FORECAST_LOCATION", URLEnvVar("coastal-tidal-forecast-location"))
}
