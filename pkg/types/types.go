// Package types defines the domain records staged by hydrostage.
package types

import "time"

// TimeseriesHeader is one accepted task run for a workflow. It is written
// once and never updated; Timeseries rows reference it.
type TimeseriesHeader struct {
	ID                 string    `json:"id"`
	WorkflowID         string    `json:"workflowId"`
	TaskRunID          string    `json:"taskRunId"`
	TaskStartTime      time.Time `json:"taskStartTime"`
	TaskCompletionTime time.Time `json:"taskCompletionTime"`
	Forecast           bool      `json:"forecast"`
	Approved           bool      `json:"approved"`
	ImportTime         time.Time `json:"importTime"`
	Message            string    `json:"message"`
}

// Timeseries is one fetched series belonging to a header. Payload holds the
// gzip-compressed upstream document; Parameters the query string used.
type Timeseries struct {
	ID         string `json:"id"`
	HeaderID   string `json:"headerId"`
	Parameters string `json:"parameters"`
	Payload    []byte `json:"-"`
}

// TaskRun is the most recent staged task run for a workflow.
type TaskRun struct {
	TaskRunID          string
	TaskCompletionTime time.Time
}

// StagingException records a notification that could not be processed.
type StagingException struct {
	ID            int64     `json:"id"`
	Payload       string    `json:"payload"`
	TaskRunID     string    `json:"taskRunId,omitempty"`
	WorkflowID    string    `json:"workflowId,omitempty"`
	Description   string    `json:"description"`
	Source        string    `json:"source"`
	ExceptionTime time.Time `json:"exceptionTime"`
}

// CSVStagingException records one CSV row rejected during a refresh.
type CSVStagingException struct {
	SourceTable   string            `json:"sourceTable"`
	Row           map[string]string `json:"row"`
	Description   string            `json:"description"`
	ErrorCode     string            `json:"errorCode"`
	ExceptionTime time.Time         `json:"exceptionTime"`
}

// DisplayGroupRoute is one plot configured for a display-group workflow.
// LocationIDs are the plot's locations in a stable order.
type DisplayGroupRoute struct {
	WorkflowID  string   `json:"workflowId"`
	PlotID      string   `json:"plotId"`
	LocationIDs []string `json:"locationIds"`
}

// FilterRoute is one filter configured for a non-display-group workflow.
type FilterRoute struct {
	WorkflowID           string `json:"workflowId"`
	FilterID             string `json:"filterId"`
	Approved             bool   `json:"approved"`
	StartTimeOffsetHours int    `json:"startTimeOffsetHours"`
	EndTimeOffsetHours   int    `json:"endTimeOffsetHours"`
	TimeseriesType       string `json:"timeseriesType"`
}

// Routes is the resolved set of fetches for a notification. A workflow may
// carry both kinds at once.
type Routes struct {
	DisplayGroups []DisplayGroupRoute
	Filters       []FilterRoute
}

// Len returns the total number of routes.
func (r Routes) Len() int { return len(r.DisplayGroups) + len(r.Filters) }

// ColumnSpec maps one CSV column onto a target table column.
type ColumnSpec struct {
	TargetColumn string     `yaml:"column" json:"column"`
	SourceType   SourceType `yaml:"type" json:"type"`
	CSVKey       string     `yaml:"csvKey" json:"csvKey"`
	Preprocessor string     `yaml:"preprocessor,omitempty" json:"preprocessor,omitempty"`
	AllowNull    bool       `yaml:"allowNull,omitempty" json:"allowNull,omitempty"`
}

// PartialUpdate restricts a refresh to the rows of a shared table that
// belong to one CSV source.
type PartialUpdate struct {
	Column string `yaml:"column" json:"column"`
	Value  string `yaml:"value" json:"value"`
}

// Feed describes a CSV reference feed and the table it refreshes.
type Feed struct {
	Name          string         `yaml:"name" json:"name"`
	URL           string         `yaml:"url,omitempty" json:"url,omitempty"`
	TargetTable   string         `yaml:"table" json:"table"`
	Columns       []ColumnSpec   `yaml:"columns" json:"columns"`
	PartialUpdate *PartialUpdate `yaml:"partialUpdate,omitempty" json:"partialUpdate,omitempty"`
}
