package routing

import (
	"net/url"
	"time"

	"github.com/dwsmith1983/hydrostage/internal/notify"
	"github.com/dwsmith1983/hydrostage/internal/upstream"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Upstream endpoints, relative to the PI service base URL.
const (
	displayGroupEndpoint = "timeseries/displaygroups"
	filterEndpoint       = "timeseries"
)

// piTimeFormat is the query time format the PI service accepts.
const piTimeFormat = "2006-01-02T15:04:05Z"

// selectRoutes narrows the configured routes to those that apply to n.
// Display groups only serve forecasts; filters that require approval are
// skipped for unapproved runs.
func selectRoutes(n notify.Notification, configured types.Routes) types.Routes {
	var out types.Routes
	if n.Forecast {
		out.DisplayGroups = configured.DisplayGroups
	}
	for _, f := range configured.Filters {
		if f.Approved && !n.Approved {
			continue
		}
		out.Filters = append(out.Filters, f)
	}
	return out
}

// buildQueries turns the selected routes into upstream requests, display
// groups first.
func buildQueries(n notify.Notification, routes types.Routes) []upstream.Query {
	queries := make([]upstream.Query, 0, routes.Len())
	for _, dg := range routes.DisplayGroups {
		queries = append(queries, displayGroupQuery(n, dg))
	}
	for _, f := range routes.Filters {
		queries = append(queries, filterQuery(n, f))
	}
	return queries
}

func displayGroupQuery(n notify.Notification, r types.DisplayGroupRoute) upstream.Query {
	p := url.Values{}
	p.Set("plotId", r.PlotID)
	for _, loc := range r.LocationIDs {
		p.Add("locationIds", loc)
	}
	p.Set("startTime", formatTime(n.StartTime))
	p.Set("endTime", formatTime(n.CompletionTime))
	p.Set("documentFormat", "PI_JSON")
	return upstream.Query{Endpoint: displayGroupEndpoint, Params: p}
}

func filterQuery(n notify.Notification, r types.FilterRoute) upstream.Query {
	start := n.StartTime.Add(-time.Duration(r.StartTimeOffsetHours) * time.Hour)
	end := n.CompletionTime.Add(time.Duration(r.EndTimeOffsetHours) * time.Hour)

	p := url.Values{}
	p.Set("filterId", r.FilterID)
	p.Set("startTime", formatTime(start))
	p.Set("endTime", formatTime(end))
	if r.TimeseriesType != "" {
		p.Set("timeSeriesType", r.TimeseriesType)
	}
	p.Set("documentFormat", "PI_JSON")
	return upstream.Query{Endpoint: filterEndpoint, Params: p}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(piTimeFormat)
}
