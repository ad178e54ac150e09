package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/resilience"
	"github.com/sells-group/sa-harvest/pkg/searchconsole"
)

// Discovery lists what a property has data for over the look-back range:
// the available dates and the values of a dimension.
type Discovery struct {
	client  searchconsole.Client
	siteURL string
	months  int
	retry   resilience.RetryConfig
	now     func() time.Time
}

// NewDiscovery creates a Discovery looking back months+1 months.
func NewDiscovery(client searchconsole.Client, siteURL string, months int, retry resilience.RetryConfig) *Discovery {
	return &Discovery{
		client:  client,
		siteURL: siteURL,
		months:  months,
		retry:   retry,
		now:     time.Now,
	}
}

// Dates lists the days with data for searchType.
func (d *Discovery) Dates(ctx context.Context, searchType string) ([]time.Time, error) {
	start, end := searchconsole.LookbackRange(d.now().UTC(), d.months)
	cfg := d.retry
	cfg.OnRetry = resilience.RetryLogger("searchconsole", "list dates")
	dates, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]time.Time, error) {
		dates, err := d.client.Dates(ctx, d.siteURL, searchType, start, end)
		return dates, Classify(err)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "source: list dates for %s (%s)", d.siteURL, searchType)
	}
	zap.L().Debug("source: dates listed",
		zap.String("property", d.siteURL),
		zap.String("search_type", searchType),
		zap.Int("dates", len(dates)),
	)
	return dates, nil
}

// Values lists the values of dimension for searchType.
func (d *Discovery) Values(ctx context.Context, dimension, searchType string) ([]string, error) {
	start, end := searchconsole.LookbackRange(d.now().UTC(), d.months)
	cfg := d.retry
	cfg.OnRetry = resilience.RetryLogger("searchconsole", "list "+dimension+" values")
	values, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]string, error) {
		values, err := d.client.DimensionValues(ctx, d.siteURL, dimension, searchType, start, end)
		return values, Classify(err)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "source: list %s values for %s (%s)", dimension, d.siteURL, searchType)
	}
	return values, nil
}
