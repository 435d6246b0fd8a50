package refresh

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Rejection descriptions recorded on csv_staging_exception rows.
const (
	descMissingData = "row is missing data."
	descInvalidData = "row contains invalid data"
)

// rejection explains why a CSV row was not inserted.
type rejection struct {
	description string
	code        string
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

// convertRow maps row onto the feed's columns, returning the insert values
// in column order or the reason the row must be rejected.
func convertRow(columns []types.ColumnSpec, row Row) ([]any, *rejection) {
	values := make([]any, len(columns))
	for i, col := range columns {
		raw, present := row[col.CSVKey]
		s, null := preprocess(col.Preprocessor, raw)
		if !present || null || s == "" {
			if col.AllowNull {
				values[i] = nil
				continue
			}
			return nil, &rejection{description: descMissingData, code: types.ErrCodeMissingData}
		}
		v, err := convert(col.SourceType, s)
		if err != nil {
			return nil, &rejection{
				description: fmt.Sprintf("%s: column %s: %v", descInvalidData, col.TargetColumn, err),
				code:        types.ErrCodeInvalidData,
			}
		}
		values[i] = v
	}
	return values, nil
}

// preprocess applies a named preprocessor. null reports an explicit SQL NULL.
func preprocess(name, raw string) (value string, null bool) {
	switch name {
	case types.PreprocessTrim:
		return strings.TrimSpace(raw), false
	case types.PreprocessUpper:
		return strings.ToUpper(strings.TrimSpace(raw)), false
	case types.PreprocessLower:
		return strings.ToLower(strings.TrimSpace(raw)), false
	case types.PreprocessYesNo:
		switch strings.ToUpper(strings.TrimSpace(raw)) {
		case "Y", "YES":
			return "true", false
		case "N", "NO":
			return "false", false
		}
		return strings.TrimSpace(raw), false
	case types.PreprocessNullIfEmpty:
		s := strings.TrimSpace(raw)
		return s, s == ""
	}
	return raw, false
}

func convert(t types.SourceType, s string) (any, error) {
	switch t {
	case types.SourceString:
		return s, nil
	case types.SourceInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}
		return n, nil
	case types.SourceNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return f, nil
	case types.SourceBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", s)
		}
		return b, nil
	case types.SourceTimestamp:
		for _, layout := range timestampLayouts {
			if ts, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("%q is not a timestamp", s)
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}
