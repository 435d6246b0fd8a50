package refresh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

func TestPreprocess(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     string
		wantNull bool
	}{
		{"", " as is ", " as is ", false},
		{"trim", "  L1 ", "L1", false},
		{"upper", " abc", "ABC", false},
		{"lower", "ABC ", "abc", false},
		{"yesno", "Y", "true", false},
		{"yesno", "no", "false", false},
		{"yesno", "maybe", "maybe", false},
		{"nullIfEmpty", "  ", "", true},
		{"nullIfEmpty", " 7 ", "7", false},
	}
	for _, tt := range tests {
		got, null := preprocess(tt.name, tt.raw)
		assert.Equal(t, tt.want, got, "%s(%q)", tt.name, tt.raw)
		assert.Equal(t, tt.wantNull, null, "%s(%q)", tt.name, tt.raw)
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		typ  types.SourceType
		in   string
		want any
	}{
		{types.SourceString, "x", "x"},
		{types.SourceInteger, " 42", int64(42)},
		{types.SourceNumber, "1.25", 1.25},
		{types.SourceBoolean, "true", true},
		{types.SourceTimestamp, "2020-03-30 09:50:00", time.Date(2020, 3, 30, 9, 50, 0, 0, time.UTC)},
		{types.SourceTimestamp, "30/03/2020", time.Date(2020, 3, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := convert(tt.typ, tt.in)
		require.NoError(t, err, "%s %q", tt.typ, tt.in)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []struct {
		typ types.SourceType
		in  string
	}{
		{types.SourceInteger, "4.5"},
		{types.SourceNumber, "high"},
		{types.SourceBoolean, "maybe"},
		{types.SourceTimestamp, "yesterday"},
		{types.SourceType("blob"), "x"},
	} {
		_, err := convert(bad.typ, bad.in)
		assert.Error(t, err, "%s %q", bad.typ, bad.in)
	}
}

func TestConvertRow(t *testing.T) {
	columns := []types.ColumnSpec{
		{TargetColumn: "location_id", SourceType: types.SourceString, CSVKey: "LOCATIONID", Preprocessor: types.PreprocessTrim},
		{TargetColumn: "value", SourceType: types.SourceNumber, CSVKey: "VALUE"},
		{TargetColumn: "comment", SourceType: types.SourceString, CSVKey: "COMMENT", AllowNull: true},
	}

	values, rej := convertRow(columns, Row{"LOCATIONID": " L1 ", "VALUE": "2.5", "COMMENT": ""})
	require.Nil(t, rej)
	assert.Equal(t, []any{"L1", 2.5, nil}, values)

	_, rej = convertRow(columns, Row{"LOCATIONID": "L1", "COMMENT": "x"})
	require.NotNil(t, rej)
	assert.Equal(t, "row is missing data.", rej.description)
	assert.Equal(t, types.ErrCodeMissingData, rej.code)

	_, rej = convertRow(columns, Row{"LOCATIONID": "  ", "VALUE": "1"})
	require.NotNil(t, rej)
	assert.Equal(t, types.ErrCodeMissingData, rej.code)

	_, rej = convertRow(columns, Row{"LOCATIONID": "L1", "VALUE": "high"})
	require.NotNil(t, rej)
	assert.Equal(t, types.ErrCodeInvalidData, rej.code)
	assert.Contains(t, rej.description, "column value")
}
