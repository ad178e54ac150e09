// Package store persists harvest state: properties, their jobs, and the
// per-date query queue.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sa-harvest/internal/model"
)

// ErrNotPending is returned by Complete when the queue item does not exist or
// has already been finished.
var ErrNotPending = eris.New("store: queue item not found or already finished")

// PropertyFilter specifies criteria for listing properties.
type PropertyFilter struct {
	AccountName string `json:"account_name,omitempty"`
	ActiveOnly  bool   `json:"active_only,omitempty"`
}

// Store defines the persistence interface for the harvester.
type Store interface {
	// Properties
	EnsureProperty(ctx context.Context, accountName, siteURL string) (*model.Property, error)
	GetProperty(ctx context.Context, accountName, siteURL string) (*model.Property, error)
	ListProperties(ctx context.Context, filter PropertyFilter) ([]model.Property, error)
	SetPropertyActive(ctx context.Context, propertyID int64, active bool) error
	DeleteProperty(ctx context.Context, propertyID int64) error

	// Jobs
	CreateJob(ctx context.Context, propertyID int64, spec model.JobSpec) (*model.Job, error)
	ListJobs(ctx context.Context, propertyID int64, activeOnly bool) ([]model.Job, error)
	SetJobActive(ctx context.Context, jobID int64, active bool) error

	// Queue
	QueueDates(ctx context.Context, propertyID, jobID int64) ([]time.Time, error)
	Enqueue(ctx context.Context, propertyID, jobID int64, dates []time.Time) (int, error)
	FetchBatch(ctx context.Context, propertyID, jobID int64, maxAttempts int) ([]model.QueueItem, error)
	Complete(ctx context.Context, itemID int64, c model.Completion) error
	RecordFailure(ctx context.Context, itemID int64, errMsg string) error
	Progress(ctx context.Context, propertyID int64) ([]model.Progress, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// missingDates returns the dates not present in existing, normalized to UTC
// midnight and deduplicated, in input order.
func missingDates(existing, dates []time.Time) []time.Time {
	seen := make(map[string]struct{}, len(existing)+len(dates))
	for _, d := range existing {
		seen[d.Format(model.DateLayout)] = struct{}{}
	}
	var out []time.Time
	for _, d := range dates {
		key := d.Format(model.DateLayout)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, truncateDay(d))
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// encodeFilter stores a filter as a JSON array of
// [dimension, expression, operator].
func encodeFilter(f *model.Filter) (*string, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string{f.Dimension, f.Expression, f.Operator})
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal filter")
	}
	s := string(b)
	return &s, nil
}

func decodeFilter(raw *string) (*model.Filter, error) {
	if raw == nil || *raw == "" || *raw == "null" {
		return nil, nil
	}
	var parts []string
	if err := json.Unmarshal([]byte(*raw), &parts); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal filter")
	}
	if len(parts) != 3 {
		return nil, eris.Errorf("store: filter has %d parts, want 3", len(parts))
	}
	return &model.Filter{Dimension: parts[0], Expression: parts[1], Operator: parts[2]}, nil
}

func encodeDimensions(dims []string) (string, error) {
	if dims == nil {
		dims = []string{}
	}
	b, err := json.Marshal(dims)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal dimensions")
	}
	return string(b), nil
}

func decodeDimensions(raw string) ([]string, error) {
	var dims []string
	if err := json.Unmarshal([]byte(raw), &dims); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal dimensions")
	}
	return dims, nil
}
