// Package upstream fetches timeseries from the forecasting engine's PI
// REST API. Connection-level failures are recoverable; error responses from
// the service are not.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// maxErrorBody caps how much of an error response is kept for the exception
// description.
const maxErrorBody = 4096

// Query identifies one timeseries request: an endpoint relative to the base
// URL and its query parameters.
type Query struct {
	Endpoint string
	Params   url.Values
}

// String renders the query as recorded on staged timeseries.
func (q Query) String() string {
	return q.Endpoint + "?" + q.Params.Encode()
}

// ConnectionError reports that the service could not be reached, or that the
// circuit breaker is refusing calls.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("timeseries request to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResourceError is an error response from the service.
type ResourceError struct {
	URL    string
	Status int
	Body   string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("timeseries request to %s returned status %d: %s", e.URL, e.Status, e.Body)
}

// Client calls the timeseries API through a circuit breaker.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker replaces the default breaker settings. Resource errors never
// count as breaker failures regardless of settings.
func WithBreaker(st gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = newBreaker(st, c) }
}

// DefaultBreakerSettings opens the breaker after five consecutive connection
// failures and probes again after 30s.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "fews-pi",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default(),
	}
	c.breaker = newBreaker(DefaultBreakerSettings(), c)
	for _, o := range opts {
		o(c)
	}
	return c
}

func newBreaker(st gobreaker.Settings, c *Client) *gobreaker.CircuitBreaker {
	st.IsSuccessful = func(err error) bool {
		var re *ResourceError
		return err == nil || errors.As(err, &re)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Warn("upstream circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	return gobreaker.NewCircuitBreaker(st)
}

// FetchTimeseries returns the response document for q. Errors wrap a
// recoverable *ConnectionError or a non-recoverable *ResourceError.
func (c *Client) FetchTimeseries(ctx context.Context, q Query) ([]byte, error) {
	if c.baseURL == "" {
		return nil, types.NonRecoverable(fmt.Errorf("timeseries base URL is not configured"))
	}
	target := c.baseURL + "/" + strings.TrimLeft(q.Endpoint, "/") + "?" + q.Params.Encode()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, target)
	})
	if err != nil {
		var re *ResourceError
		if errors.As(err, &re) {
			return nil, types.NonRecoverable(err)
		}
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{URL: target, Err: err}
		}
		return nil, types.Recoverable(err)
	}
	return out.([]byte), nil
}

func (c *Client) do(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ConnectionError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectionError{URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ResourceError{URL: target, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{URL: target, Err: fmt.Errorf("reading response: %w", err)}
	}
	return body, nil
}
