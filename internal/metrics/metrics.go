// Package metrics exposes runtime counters as OpenTelemetry instruments.
// Instruments are created against the global meter provider, so they start
// exporting once telemetry.Setup installs a real provider.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scope = "github.com/dwsmith1983/hydrostage"

var meter = otel.Meter(scope)

var (
	NotificationsProcessed = counter("hydrostage.notifications.processed", "Notifications that reached a terminal routing state")
	TimeseriesStaged       = counter("hydrostage.timeseries.staged", "Timeseries rows inserted")
	StagingExceptions      = counter("hydrostage.staging_exceptions", "Staging exception rows recorded")
	RefreshRowsLoaded      = counter("hydrostage.refresh.rows_loaded", "CSV rows inserted into reference tables")
	RefreshRowsRejected    = counter("hydrostage.refresh.rows_rejected", "CSV rows rejected during refresh")
	RefreshAborts          = counter("hydrostage.refresh.aborts", "Refreshes rolled back to avoid an empty table")
	RecordsExpired         = counter("hydrostage.retention.records_expired", "Rows removed by the retention job")
	LockTimeouts           = counter("hydrostage.lock_timeouts", "Lock acquisitions that timed out")
	ExceptionsReplayed     = counter("hydrostage.exceptions.replayed", "Staging exceptions re-sent to the notification queue")
)

func counter(name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(scope).Int64Counter(name)
	}
	return c
}

// Attr is shorthand for a string attribute.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Inc adds one to c.
func Inc(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	Add(c, 1, attrs...)
}

// Add adds n to c. Counters are process-wide, so no request context is needed.
func Add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if n <= 0 {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}
