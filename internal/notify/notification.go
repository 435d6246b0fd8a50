package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// ErrUnsupportedMessage rejects JSON payloads that are neither a string nor
// an object. The text is recorded verbatim on the staging exception.
var ErrUnsupportedMessage = errors.New("Message must be either a string or a pure object") //nolint:staticcheck // recorded verbatim

// Notification is the parsed state of one task completion notification.
// It is built once by Parse and only read afterwards.
type Notification struct {
	TaskRunID      string
	WorkflowID     string
	StartTime      time.Time
	CompletionTime time.Time
	Approved       bool
	Forecast       bool
	Message        string
}

// ParseError reports a field that could not be extracted. It is terminal.
type ParseError struct {
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Unable to extract %s from message", e.Field)
}

// Preprocess turns a delivered payload into message text. A JSON string
// yields its value and a JSON object its compact text; any other JSON value
// is rejected. Payloads that are not JSON are used as-is.
func Preprocess(payload []byte) (string, error) {
	trimmed := bytes.TrimSpace(payload)
	if !json.Valid(trimmed) {
		return string(payload), nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return "", types.NonRecoverable(fmt.Errorf("decode payload: %w", err))
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]any:
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", types.NonRecoverable(fmt.Errorf("compact payload: %w", err))
		}
		return buf.String(), nil
	default:
		return "", types.NonRecoverable(ErrUnsupportedMessage)
	}
}

// Parse extracts every field of a notification. The first field that cannot
// be extracted stops parsing with a non-recoverable *ParseError.
func Parse(message string) (Notification, error) {
	n := Notification{Message: message}

	fields := []struct {
		name    string
		extract func(string) Extraction
		apply   func(string) error
	}{
		{"task run ID", TaskRunID, func(v string) error { n.TaskRunID = v; return nil }},
		{"workflow ID", WorkflowID, func(v string) error { n.WorkflowID = v; return nil }},
		{"task run start time", StartTime, func(v string) (err error) { n.StartTime, err = parseTime(v); return err }},
		{"task run completion time", CompletionTime, func(v string) (err error) { n.CompletionTime, err = parseTime(v); return err }},
		{"task run approval status", Approved, func(v string) error { n.Approved = strings.EqualFold(v, "true"); return nil }},
		{"task run forecast flag", Forecast, func(v string) error { n.Forecast = strings.EqualFold(v, "true"); return nil }},
	}
	for _, f := range fields {
		ex := f.extract(message)
		if !ex.Found {
			return Notification{}, types.NonRecoverable(&ParseError{Field: f.name})
		}
		if err := f.apply(ex.Value); err != nil {
			return Notification{}, types.NonRecoverable(&ParseError{Field: f.name})
		}
	}
	return n, nil
}

// AsParseError returns the ParseError wrapped in err, if any.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

var timeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02 15:04"}

func parseTime(raw string) (time.Time, error) {
	s := strings.Replace(raw, "T", " ", 1)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", raw)
}
