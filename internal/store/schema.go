// Package store implements the Postgres staging database: the timeseries
// staging tables, workflow configuration and reference tables, and the
// exception tables used for manual replay.
package store

// Staging and configuration tables touched by more than one component.
const (
	TableHeader                  = "timeseries_header"
	TableTimeseries              = "timeseries"
	TableJob                     = "timeseries_job"
	TableStagingException        = "staging_exception"
	TableCSVStagingException     = "csv_staging_exception"
	TableDisplayGroupWorkflow    = "display_group_workflow"
	TableNonDisplayGroupWorkflow = "non_display_group_workflow"
	TableIgnoredWorkflow         = "ignored_workflow"
)

// WorkflowConfigTables are read under a shared lock for the whole of a
// routing transaction.
var WorkflowConfigTables = []string{
	TableIgnoredWorkflow,
	TableDisplayGroupWorkflow,
	TableNonDisplayGroupWorkflow,
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS timeseries_header (
    id                   TEXT PRIMARY KEY,
    workflow_id          TEXT NOT NULL,
    task_run_id          TEXT NOT NULL,
    task_start_time      TIMESTAMPTZ NOT NULL,
    task_completion_time TIMESTAMPTZ NOT NULL,
    forecast             BOOLEAN NOT NULL,
    approved             BOOLEAN NOT NULL,
    import_time          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    message              TEXT NOT NULL,
    UNIQUE (workflow_id, task_run_id)
);
CREATE INDEX IF NOT EXISTS idx_header_workflow_completion
    ON timeseries_header (workflow_id, task_completion_time DESC);
CREATE INDEX IF NOT EXISTS idx_header_import_time ON timeseries_header (import_time);

CREATE TABLE IF NOT EXISTS timeseries (
    id                   TEXT PRIMARY KEY,
    timeseries_header_id TEXT NOT NULL REFERENCES timeseries_header (id),
    fews_parameters      TEXT NOT NULL,
    fews_data            BYTEA NOT NULL,
    import_time          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_timeseries_header ON timeseries (timeseries_header_id);

CREATE TABLE IF NOT EXISTS timeseries_job (
    id                   BIGSERIAL PRIMARY KEY,
    timeseries_header_id TEXT NOT NULL REFERENCES timeseries_header (id),
    job_id               TEXT,
    job_status           INTEGER NOT NULL,
    job_status_time      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    description          TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_header ON timeseries_job (timeseries_header_id);

CREATE TABLE IF NOT EXISTS staging_exception (
    id             BIGSERIAL PRIMARY KEY,
    payload        TEXT NOT NULL,
    task_run_id    TEXT,
    workflow_id    TEXT,
    description    TEXT NOT NULL,
    source         TEXT NOT NULL,
    exception_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_staging_exception_time ON staging_exception (exception_time);

CREATE TABLE IF NOT EXISTS csv_staging_exception (
    id             BIGSERIAL PRIMARY KEY,
    source_table   TEXT NOT NULL,
    row_data       JSONB NOT NULL,
    description    TEXT NOT NULL,
    error_code     TEXT,
    exception_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_csv_exception_source ON csv_staging_exception (source_table);

CREATE TABLE IF NOT EXISTS display_group_workflow (
    workflow_id TEXT NOT NULL,
    plot_id     TEXT NOT NULL,
    location_id VARCHAR(64) NOT NULL,
    PRIMARY KEY (workflow_id, plot_id, location_id)
);

CREATE TABLE IF NOT EXISTS non_display_group_workflow (
    workflow_id             TEXT NOT NULL,
    filter_id               TEXT NOT NULL,
    approved                BOOLEAN NOT NULL DEFAULT FALSE,
    start_time_offset_hours INTEGER NOT NULL DEFAULT 0,
    end_time_offset_hours   INTEGER NOT NULL DEFAULT 0,
    timeseries_type         TEXT,
    PRIMARY KEY (workflow_id, filter_id)
);

CREATE TABLE IF NOT EXISTS ignored_workflow (
    workflow_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS location_thresholds (
    location_id  VARCHAR(64) NOT NULL,
    threshold_id VARCHAR(64) NOT NULL,
    name         TEXT,
    label        TEXT,
    value        NUMERIC NOT NULL,
    fluvial_type TEXT,
    comment      TEXT,
    description  TEXT
);
CREATE INDEX IF NOT EXISTS idx_location_thresholds_location ON location_thresholds (location_id);

CREATE TABLE IF NOT EXISTS fluvial_forecast_location (
    centre             TEXT,
    mfdo_area          TEXT,
    catchment          TEXT,
    fffs_location_id   VARCHAR(64) NOT NULL,
    fffs_location_name TEXT,
    plot_id            TEXT,
    drn_order          INTEGER,
    display_order      INTEGER,
    datum              TEXT
);

CREATE TABLE IF NOT EXISTS coastal_forecast_location (
    fffs_location_id   VARCHAR(64) NOT NULL,
    fffs_location_name TEXT,
    coastal_order      INTEGER,
    centre             TEXT,
    mfdo_area          TEXT,
    ta_name            TEXT,
    coastal_type       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_coastal_forecast_location_type ON coastal_forecast_location (coastal_type);

CREATE TABLE IF NOT EXISTS multivariate_thresholds (
    centre                TEXT,
    critical_condition_id TEXT NOT NULL,
    input_location_id     VARCHAR(64) NOT NULL,
    output_location_id    VARCHAR(64) NOT NULL,
    target_area_code      TEXT,
    input_parameter_id    TEXT,
    lower_bound           NUMERIC,
    upper_bound           NUMERIC,
    lower_bound_inclusive BOOLEAN,
    upper_bound_inclusive BOOLEAN,
    priority              INTEGER
);
`
