package harvest

import (
	"context"
	"time"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/resilience"
)

// DataSource fetches every row of one report request. Pagination happens
// inside the implementation. Errors are classified with
// resilience.RetryableError and resilience.FatalError.
type DataSource interface {
	Fetch(ctx context.Context, req model.FetchRequest) ([]model.Row, error)
}

// SourceFactory returns an independent DataSource for one worker.
type SourceFactory func(workerID int) (DataSource, error)

// Throttle wraps a DataSource so that every Fetch takes at least
// 1/rps of wall-clock time.
type Throttle struct {
	next DataSource
	min  time.Duration
}

// NewThrottle returns next unchanged when rps is not positive.
func NewThrottle(next DataSource, rps float64) DataSource {
	if rps <= 0 {
		return next
	}
	return &Throttle{next: next, min: time.Duration(float64(time.Second) / rps)}
}

// Fetch delegates and then sleeps off the rest of the minimum duration.
// Cancellation cuts the sleep short but never discards the result.
func (t *Throttle) Fetch(ctx context.Context, req model.FetchRequest) ([]model.Row, error) {
	start := time.Now()
	rows, err := t.next.Fetch(ctx, req)
	if rest := t.min - time.Since(start); rest > 0 {
		_ = resilience.Sleep(ctx, rest)
	}
	return rows, err
}
