// Package notify extracts task-run fields from FEWS task completion
// notifications. Extractors are pure functions and need no database.
package notify

import (
	"regexp"
)

// Extraction is the tagged result of a single field extraction.
type Extraction struct {
	Value string
	Found bool
}

// Extracted returns a successful extraction.
func Extracted(v string) Extraction { return Extraction{Value: v, Found: true} }

// NotFound is the failed extraction.
var NotFound = Extraction{}

// Extract runs re against message. The field is extracted only when the
// submatch slice has exactly requiredGroupCount elements (the whole match
// plus its capture groups); groupIndex selects the element returned.
func Extract(message string, re *regexp.Regexp, requiredGroupCount, groupIndex int) Extraction {
	m := re.FindStringSubmatch(message)
	if len(m) != requiredGroupCount || groupIndex < 0 || groupIndex >= len(m) {
		return NotFound
	}
	if m[groupIndex] == "" {
		return NotFound
	}
	return Extracted(m[groupIndex])
}

var (
	taskRunIDPattern  = regexp.MustCompile(`(?i)task\s+run\s+(\S+?)[.,]?(?:\s|$)`)
	workflowIDPattern = regexp.MustCompile(`(?i)workflow\s+(\S+?)[.,]?(?:\s|$)`)
	startTimePattern  = regexp.MustCompile(`(?i)start\s+time:\s*(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(?::\d{2})?)`)
	endTimePattern    = regexp.MustCompile(`(?i)end\s+time:\s*(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(?::\d{2})?)`)
	approvedPattern   = regexp.MustCompile(`(?i)approved:\s*(true|false)`)
	forecastPattern   = regexp.MustCompile(`(?i)forecast:\s*(true|false)`)
)

// TaskRunID extracts the task run id.
func TaskRunID(message string) Extraction { return Extract(message, taskRunIDPattern, 2, 1) }

// WorkflowID extracts the workflow id.
func WorkflowID(message string) Extraction { return Extract(message, workflowIDPattern, 2, 1) }

// StartTime extracts the raw task start time.
func StartTime(message string) Extraction { return Extract(message, startTimePattern, 2, 1) }

// CompletionTime extracts the raw task completion time.
func CompletionTime(message string) Extraction { return Extract(message, endTimePattern, 2, 1) }

// Approved extracts the raw approval flag.
func Approved(message string) Extraction { return Extract(message, approvedPattern, 2, 1) }

// Forecast extracts the raw forecast flag.
func Forecast(message string) Extraction { return Extract(message, forecastPattern, 2, 1) }
