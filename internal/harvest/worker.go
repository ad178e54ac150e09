package harvest

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/resilience"
)

const tracerName = "github.com/sells-group/sa-harvest/internal/harvest"

// Result is what a worker hands to the writer for one task. Err is set for
// a terminal failure; Rows and Completion for a success.
type Result struct {
	Task       Task
	Rows       []model.Row
	Completion model.Completion
	Err        error
}

// worker pulls tasks until the dispatcher is drained, it is retired, the run
// is cancelled, or its failure policy terminates it.
type worker struct {
	id      int
	source  DataSource
	tasks   *Dispatcher
	results chan<- Result
	samples *samples
	opts    Options
	metrics *Metrics
	pool    func() int

	retire chan struct{}
	done   chan struct{}
	log    *zap.Logger
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// stop asks the worker to exit before its next task.
func (w *worker) stop() {
	close(w.retire)
}

func (w *worker) retired(ctx context.Context) bool {
	select {
	case <-w.retire:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	consecutive := 0
	for {
		if w.retired(ctx) {
			w.log.Debug("worker: stopping")
			return
		}
		task, ok := w.tasks.Next()
		if !ok {
			return
		}

		rows, elapsed, err := w.fetch(ctx, task)
		if err == nil {
			consecutive = 0
			w.succeed(task, rows, elapsed)
			continue
		}
		if ctx.Err() != nil {
			// Cancelled during backoff; the item stays queued for the next run.
			return
		}

		kind := failureKind(err)
		w.metrics.Failures.WithLabelValues(kind).Inc()
		w.metrics.Tasks.WithLabelValues(task.Table, "failed").Inc()
		w.results <- Result{Task: task, Err: err}

		if kind == failureUnclassified {
			w.log.Error("worker: unexpected error, exiting",
				zap.Int64("item_id", task.Item.ID), zap.Error(err))
			return
		}

		consecutive++
		w.log.Error("worker: request failed",
			zap.Int("errors", consecutive),
			zap.Int64("item_id", task.Item.ID),
			zap.String("date", task.Item.Date.Format(model.DateLayout)),
			zap.Error(err))
		if consecutive >= 2 {
			w.log.Warn("worker: exit, try again later", zap.Int("errors", consecutive))
			return
		}
		w.log.Warn("worker: cooling down", zap.Duration("cooldown", w.opts.Cooldown))
		if !w.cooldown(ctx) {
			return
		}
	}
}

// cooldown sleeps for the configured cooldown and reports whether the worker
// should continue.
func (w *worker) cooldown(ctx context.Context) bool {
	timer := time.NewTimer(w.opts.Cooldown)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.retire:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *worker) fetch(ctx context.Context, task Task) ([]model.Row, time.Duration, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("table", task.Table),
		attribute.Int64("item_id", task.Item.ID),
		attribute.String("date", task.Item.Date.Format(model.DateLayout)),
		attribute.Int("worker", w.id),
	)

	retry := w.opts.Retry
	retry.OnRetry = resilience.RetryLogger("searchconsole", "query")
	req := task.Request()

	start := time.Now()
	rows, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.Row, error) {
		// An in-flight request runs to completion even if the run is cancelled.
		return w.source.Fetch(context.WithoutCancel(ctx), req)
	})
	elapsed := time.Since(start)
	w.metrics.FetchDuration.WithLabelValues(task.Job.SearchType).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, elapsed, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, elapsed, nil
}

func (w *worker) succeed(task Task, rows []model.Row, elapsed time.Duration) {
	hits := Hits(len(rows))
	secs := elapsed.Seconds()
	rps := float64(hits)
	if secs > 0 {
		rps = float64(hits) / secs
	}
	w.samples.add(hits, elapsed)
	w.metrics.Hits.WithLabelValues(task.Table).Add(float64(hits))
	w.metrics.Tasks.WithLabelValues(task.Table, "fetched").Inc()

	workers := w.pool()
	fields := []zap.Field{
		zap.Int("workers", workers),
		zap.Float64("rps", rps),
		zap.Float64("mean_rps", w.samples.meanRPS(workers)),
		zap.Int("rows", len(rows)),
		zap.Int("hits", hits),
		zap.String("date", task.Item.Date.Format(model.DateLayout)),
		zap.String("dimensions", strings.Join(task.Job.Dimensions, ",")),
		zap.String("search_type", task.Job.SearchType),
	}
	if f := task.Job.Filter; f != nil {
		fields = append(fields, zap.String("filter", f.Dimension+" "+f.Operator+" "+f.Expression))
	}
	w.log.Info("worker: fetched", fields...)

	w.results <- Result{
		Task: task,
		Rows: rows,
		Completion: model.Completion{
			Rows:    len(rows),
			Seconds: secs,
			Hits:    hits,
			RPS:     rps,
		},
	}
}

// failureKind maps an error to the failure policy: exhausted retries and
// fatal API rejections count toward the consecutive-failure limit, anything
// else ends the worker.
func failureKind(err error) string {
	switch {
	case !resilience.IsSourceError(err):
		return failureUnclassified
	case resilience.IsRetryable(err):
		return failureExhausted
	default:
		return failureFatal
	}
}
