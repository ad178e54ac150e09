// Package searchconsole is a minimal client for the Search Console
// search analytics API.
package searchconsole

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://www.googleapis.com/webmasters/v3"

	// MaxRowLimit is the largest page the API returns.
	MaxRowLimit = 25000

	// Scope is the OAuth scope required by every call.
	Scope = "https://www.googleapis.com/auth/webmasters"

	dateLayout = "2006-01-02"
)

// Client performs search analytics queries for a property.
type Client interface {
	// Query runs q and follows pagination until the API returns an empty page.
	Query(ctx context.Context, siteURL string, q Query) ([]Row, error)
	// Dates lists the days that have data for searchType between start and end.
	Dates(ctx context.Context, siteURL, searchType string, start, end time.Time) ([]time.Time, error)
	// DimensionValues lists the values of dimension between start and end.
	DimensionValues(ctx context.Context, siteURL, dimension, searchType string, start, end time.Time) ([]string, error)
}

// Query is one searchAnalytics.query request.
type Query struct {
	StartDate  time.Time
	EndDate    time.Time
	Dimensions []string
	SearchType string
	Filters    []Filter
	RowLimit   int
	StartRow   int
}

// Filter is a single dimension filter. Operators are the API's own
// (equals, contains, notEquals, notContains).
type Filter struct {
	Dimension  string `json:"dimension"`
	Operator   string `json:"operator"`
	Expression string `json:"expression"`
}

// Row is one response row. Keys follow the order of the requested dimensions.
type Row struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// APIError is a non-200 response.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("searchconsole: status %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("searchconsole: status %d: %s", e.StatusCode, e.Message)
}

// LookbackRange returns the range used for date and dimension discovery:
// from months+1 months before now up to now.
func LookbackRange(now time.Time, months int) (time.Time, time.Time) {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -(months + 1), 0), end
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client. Pass an OAuth2 client
// to authenticate requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit waits on l before every request. Sharing one limiter across
// clients caps their combined request rate.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a search analytics client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type filterGroup struct {
	Filters []Filter `json:"filters"`
}

type queryRequest struct {
	StartDate             string        `json:"startDate"`
	EndDate               string        `json:"endDate"`
	Dimensions            []string      `json:"dimensions,omitempty"`
	Type                  string        `json:"type,omitempty"`
	DimensionFilterGroups []filterGroup `json:"dimensionFilterGroups,omitempty"`
	RowLimit              int           `json:"rowLimit"`
	StartRow              int           `json:"startRow"`
}

type queryResponse struct {
	Rows []Row `json:"rows"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *httpClient) Query(ctx context.Context, siteURL string, q Query) ([]Row, error) {
	limit := q.RowLimit
	if limit <= 0 || limit > MaxRowLimit {
		limit = MaxRowLimit
	}
	req := queryRequest{
		StartDate:  q.StartDate.Format(dateLayout),
		EndDate:    q.EndDate.Format(dateLayout),
		Dimensions: q.Dimensions,
		Type:       q.SearchType,
		RowLimit:   limit,
		StartRow:   q.StartRow,
	}
	if len(q.Filters) > 0 {
		req.DimensionFilterGroups = []filterGroup{{Filters: q.Filters}}
	}

	var rows []Row
	for {
		page, err := c.query(ctx, siteURL, req)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return rows, nil
		}
		rows = append(rows, page...)
		req.StartRow += len(page)
	}
}

func (c *httpClient) Dates(ctx context.Context, siteURL, searchType string, start, end time.Time) ([]time.Time, error) {
	rows, err := c.Query(ctx, siteURL, Query{
		StartDate:  start,
		EndDate:    end,
		Dimensions: []string{"date"},
		SearchType: searchType,
	})
	if err != nil {
		return nil, err
	}
	dates := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		if len(r.Keys) == 0 {
			continue
		}
		d, err := time.Parse(dateLayout, r.Keys[0])
		if err != nil {
			return nil, eris.Wrapf(err, "searchconsole: parse date %q", r.Keys[0])
		}
		dates = append(dates, d)
	}
	return dates, nil
}

func (c *httpClient) DimensionValues(ctx context.Context, siteURL, dimension, searchType string, start, end time.Time) ([]string, error) {
	rows, err := c.Query(ctx, siteURL, Query{
		StartDate:  start,
		EndDate:    end,
		Dimensions: []string{dimension},
		SearchType: searchType,
	})
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r.Keys) > 0 {
			values = append(values, r.Keys[0])
		}
	}
	return values, nil
}

func (c *httpClient) query(ctx context.Context, siteURL string, q queryRequest) ([]Row, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "searchconsole: rate limit wait")
		}
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: marshal request")
	}

	endpoint := c.baseURL + "/sites/" + url.PathEscape(siteURL) + "/searchAnalytics/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "searchconsole: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp.StatusCode, respBody)
	}

	var result queryResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "searchconsole: unmarshal response")
	}
	return result.Rows, nil
}

func newAPIError(code int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: code, Message: string(body)}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		apiErr.Message = er.Error.Message
		apiErr.Status = er.Error.Status
	}
	return apiErr
}
