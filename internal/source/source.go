// Package source adapts the Search Console client to the harvester's
// DataSource contract and classifies its errors.
package source

import (
	"context"
	"errors"

	"github.com/sells-group/sa-harvest/internal/harvest"
	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/resilience"
	"github.com/sells-group/sa-harvest/pkg/searchconsole"
)

// ClientFactory builds a fresh API client. Each worker gets its own.
type ClientFactory func() (searchconsole.Client, error)

// Source fetches one day of one job for a property.
type Source struct {
	client  searchconsole.Client
	siteURL string
}

// New creates a Source for siteURL.
func New(client searchconsole.Client, siteURL string) *Source {
	return &Source{client: client, siteURL: siteURL}
}

// Fetch runs the request for a single date and converts the rows. Errors are
// classified with Classify.
func (s *Source) Fetch(ctx context.Context, req model.FetchRequest) ([]model.Row, error) {
	q := searchconsole.Query{
		StartDate:  req.Date,
		EndDate:    req.Date,
		Dimensions: req.Dimensions,
		SearchType: req.SearchType,
	}
	if req.Filter != nil {
		q.Filters = []searchconsole.Filter{{
			Dimension:  req.Filter.Dimension,
			Operator:   req.Filter.Operator,
			Expression: req.Filter.Expression,
		}}
	}

	rows, err := s.client.Query(ctx, s.siteURL, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, Classify(err)
	}

	out := make([]model.Row, len(rows))
	for i, r := range rows {
		out[i] = model.Row{
			Keys:        r.Keys,
			Clicks:      r.Clicks,
			Impressions: r.Impressions,
			CTR:         r.CTR,
			Position:    r.Position,
		}
	}
	return out, nil
}

// Factory returns a harvest.SourceFactory that builds one client per worker.
func Factory(newClient ClientFactory, siteURL string) harvest.SourceFactory {
	return func(int) (harvest.DataSource, error) {
		c, err := newClient()
		if err != nil {
			return nil, err
		}
		return New(c, siteURL), nil
	}
}

// Classify maps API errors to the resilience taxonomy: 408, 429 and 5xx are
// retryable, any other status is fatal. Transient network failures and
// request timeouts are retryable. Everything else passes through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *searchconsole.APIError
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTP(err, apiErr.StatusCode)
	}
	if resilience.IsRetryable(err) {
		return resilience.NewRetryableError(err, 0)
	}
	return err
}
