package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

func testQuery() Query {
	return Query{
		Endpoint: "timeseries",
		Params: url.Values{
			"filterId":       {"SW_Gauges"},
			"documentFormat": {"PI_JSON"},
		},
	}
}

func tripAfter(n uint32) gobreaker.Settings {
	st := DefaultBreakerSettings()
	st.Timeout = time.Hour
	st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= n }
	return st
}

func TestQueryString(t *testing.T) {
	assert.Equal(t, "timeseries?documentFormat=PI_JSON&filterId=SW_Gauges", testQuery().String())
}

func TestFetchTimeseries_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/FewsWebServices/rest/fewspiservice/v1/timeseries", r.URL.Path)
		assert.Equal(t, "SW_Gauges", r.URL.Query().Get("filterId"))
		_, _ = w.Write([]byte(`{"timeSeries":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/FewsWebServices/rest/fewspiservice/v1/")
	body, err := c.FetchTimeseries(context.Background(), testQuery())
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeSeries":[]}`, string(body))
}

func TestFetchTimeseries_ResourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "filter SW_Gauges not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FetchTimeseries(context.Background(), testQuery())
	require.Error(t, err)

	var re *ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, "filter SW_Gauges not found", re.Body)
	assert.False(t, types.IsRecoverable(err))
}

func TestFetchTimeseries_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := NewClient(base)
	_, err := c.FetchTimeseries(context.Background(), testQuery())
	require.Error(t, err)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, types.IsRecoverable(err))
}

func TestFetchTimeseries_BreakerOpensOnConnectionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := NewClient(base, WithBreaker(tripAfter(2)))
	for i := 0; i < 2; i++ {
		_, err := c.FetchTimeseries(context.Background(), testQuery())
		require.Error(t, err)
	}

	_, err := c.FetchTimeseries(context.Background(), testQuery())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, types.IsRecoverable(err))
}

func TestFetchTimeseries_ResourceErrorsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithBreaker(tripAfter(2)))
	for i := 0; i < 4; i++ {
		_, err := c.FetchTimeseries(context.Background(), testQuery())
		var re *ResourceError
		require.ErrorAs(t, err, &re)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestFetchTimeseries_NoBaseURL(t *testing.T) {
	c := NewClient("")
	_, err := c.FetchTimeseries(context.Background(), testQuery())
	require.Error(t, err)
	assert.False(t, types.IsRecoverable(err))
}
