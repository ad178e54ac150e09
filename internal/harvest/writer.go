package harvest

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/store"
	"github.com/sells-group/sa-harvest/internal/warehouse"
)

// writerStats counts what the writer persisted during one run.
type writerStats struct {
	Completed int
	Failed    int
	Rows      int64
}

// writer is the single consumer of worker results. Row storage and queue
// updates never run concurrently.
type writer struct {
	queue     Queue
	warehouse warehouse.Warehouse
	results   <-chan Result
	metrics   *Metrics
	log       *zap.Logger
}

// run consumes results until the channel is closed. Persistence uses a
// context detached from cancellation so that drained results are written.
func (w *writer) run(ctx context.Context) writerStats {
	ctx = context.WithoutCancel(ctx)
	var stats writerStats
	for r := range w.results {
		if r.Err != nil {
			if err := w.queue.RecordFailure(ctx, r.Task.Item.ID, r.Err.Error()); err != nil {
				w.log.Error("writer: record failure", zap.Int64("item_id", r.Task.Item.ID), zap.Error(err))
			}
			stats.Failed++
			continue
		}
		n, err := w.write(ctx, r)
		if err != nil {
			w.metrics.Failures.WithLabelValues(failureStorage).Inc()
			w.log.Error("writer: item left unfinished", zap.Int64("item_id", r.Task.Item.ID),
				zap.String("table", r.Task.Table), zap.Error(err))
			continue
		}
		stats.Completed++
		stats.Rows += n
	}
	return stats
}

func (w *writer) write(ctx context.Context, r Result) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.write")
	defer span.End()
	span.SetAttributes(
		attribute.String("table", r.Task.Table),
		attribute.Int64("item_id", r.Task.Item.ID),
		attribute.Int("rows", len(r.Rows)),
	)

	n, err := w.warehouse.Insert(ctx, warehouse.Batch{
		Table:      r.Task.Table,
		Dimensions: r.Task.Job.Dimensions,
		ItemID:     r.Task.Item.ID,
		Date:       r.Task.Item.Date,
		Rows:       r.Rows,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if err := w.queue.Complete(ctx, r.Task.Item.ID, r.Completion); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			w.log.Warn("writer: item already finished", zap.Int64("item_id", r.Task.Item.ID))
			return n, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	w.metrics.Rows.WithLabelValues(r.Task.Table).Add(float64(n))
	w.metrics.Tasks.WithLabelValues(r.Task.Table, "completed").Inc()
	return n, nil
}
