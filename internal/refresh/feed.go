package refresh

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// ErrNoCSV is returned when a feed response is not a CSV document.
var ErrNoCSV = errors.New("No csv file detected") //nolint:staticcheck // recorded verbatim

// Row is one CSV record keyed by header name.
type Row map[string]string

// FeedClient downloads CSV reference feeds.
type FeedClient struct {
	http *http.Client
}

// NewFeedClient returns a client using hc, or a client with a 60s timeout
// when hc is nil.
func NewFeedClient(hc *http.Client) *FeedClient {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &FeedClient{http: hc}
}

// FetchCSV downloads and parses the CSV at url. A response that is not a
// 200 CSV document fails with ErrNoCSV. Every failure is recoverable: the
// feed may be fixed before the trigger is redelivered.
func (c *FeedClient) FetchCSV(ctx context.Context, url string) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NonRecoverable(fmt.Errorf("feed request for %s: %w", url, err))
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.Recoverable(fmt.Errorf("fetching feed %s: %w", url, err))
	}
	defer func() { _ = resp.Body.Close() }()

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK || !isCSV(ct) {
		return nil, types.Recoverable(fmt.Errorf("%w at %s (status %d, content type %q)", ErrNoCSV, url, resp.StatusCode, ct))
	}

	rows, err := ParseCSV(resp.Body)
	if err != nil {
		return nil, types.Recoverable(fmt.Errorf("feed %s: %w", url, err))
	}
	return rows, nil
}

func isCSV(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.Contains(mediaType, "csv") || mediaType == "text/plain"
}

// ParseCSV reads a headed CSV document into rows in file order. A document
// with no header or no records yields no rows. Short records are padded with
// empty fields and long ones truncated to the header, so a row missing
// columns is rejected by conversion rather than failing the whole feed.
//
// Rows stay keyed by header name: the column specs are declarative YAML, so
// there is no struct to decode into.
func ParseCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	dec.AlignRecord = true

	header := append([]string(nil), dec.Header()...)
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var rows []Row
	for {
		var discard struct{}
		if err := dec.Decode(&discard); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", len(rows)+2, err)
		}
		record := dec.Record()
		row := make(Row, len(header))
		for i, key := range header {
			row[key] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
