// Package harvest runs the adaptive worker pool that downloads queued report
// dates for one job and persists them through a single writer.
package harvest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/resilience"
	"github.com/sells-group/sa-harvest/internal/warehouse"
)

// Queue is the part of the job queue store the harvester needs.
type Queue interface {
	Enqueue(ctx context.Context, propertyID, jobID int64, dates []time.Time) (int, error)
	FetchBatch(ctx context.Context, propertyID, jobID int64, maxAttempts int) ([]model.QueueItem, error)
	Complete(ctx context.Context, itemID int64, c model.Completion) error
	RecordFailure(ctx context.Context, itemID int64, errMsg string) error
}

// Options tunes one run.
type Options struct {
	MaxWorkers     int
	TargetRPS      float64
	MaxAttempts    int
	Cooldown       time.Duration
	EvalInterval   time.Duration
	Window         time.Duration
	IndexThreshold int
	Retry          resilience.RetryConfig
}

// DefaultOptions mirrors the defaults of the harvest config section.
func DefaultOptions() Options {
	return Options{
		MaxWorkers:     10,
		TargetRPS:      3,
		MaxAttempts:    5,
		Cooldown:       20 * time.Minute,
		EvalInterval:   500 * time.Millisecond,
		Window:         60 * time.Second,
		IndexThreshold: DefaultIndexThreshold,
		Retry:          resilience.DefaultRetryConfig(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = def.MaxWorkers
	}
	if o.TargetRPS <= 0 {
		o.TargetRPS = def.TargetRPS
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Cooldown <= 0 {
		o.Cooldown = def.Cooldown
	}
	if o.EvalInterval <= 0 {
		o.EvalInterval = def.EvalInterval
	}
	if o.Window <= 0 {
		o.Window = def.Window
	}
	if o.IndexThreshold <= 0 {
		o.IndexThreshold = def.IndexThreshold
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = def.Retry
	}
	return o
}

// Summary reports the outcome of one run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Table     string        `json:"table"`
	Items     int           `json:"items"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Rows      int64         `json:"rows"`
	Duration  time.Duration `json:"duration"`
}

// Remaining is the number of items still unfinished after the run.
func (s Summary) Remaining() int {
	return s.Items - s.Completed
}

// Harvester wires the queue, the warehouse, and the data sources.
type Harvester struct {
	queue     Queue
	warehouse warehouse.Warehouse
	sources   SourceFactory
	metrics   *Metrics
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithMetrics sets the Prometheus collectors. By default the harvester
// registers its own on a private registry.
func WithMetrics(m *Metrics) Option {
	return func(h *Harvester) { h.metrics = m }
}

// New creates a Harvester.
func New(queue Queue, wh warehouse.Warehouse, sources SourceFactory, opts ...Option) *Harvester {
	h := &Harvester{queue: queue, warehouse: wh, sources: sources}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return h
}

// GenerateQueue enqueues the dates of a job that are not queued yet.
func (h *Harvester) GenerateQueue(ctx context.Context, property model.Property, job model.Job, dates []time.Time) (int, error) {
	return GenerateQueue(ctx, h.queue, property, job, dates)
}

// GenerateQueue enqueues the dates of a job that are not queued yet on q. It
// needs no source or warehouse, so setup can queue dates without a run.
func GenerateQueue(ctx context.Context, q Queue, property model.Property, job model.Job, dates []time.Time) (int, error) {
	n, err := q.Enqueue(ctx, property.ID, job.ID, dates)
	if err != nil {
		return 0, eris.Wrapf(err, "harvest: generate queue for %s", job.TableName())
	}
	zap.L().Info("harvest: queue generated",
		zap.String("property", property.SiteURL),
		zap.String("table", job.TableName()),
		zap.Int("dates", len(dates)),
		zap.Int("added", n),
	)
	return n, nil
}

// Run harvests every unfinished item of one job. It returns once the
// dispatcher is drained and the writer has persisted every result. A
// cancelled ctx discards the remaining items and returns ctx.Err() after
// in-flight results are written.
func (h *Harvester) Run(ctx context.Context, property model.Property, job model.Job, opts Options) (*Summary, error) {
	opts = opts.withDefaults()
	start := time.Now()
	table := job.TableName()
	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("component", "harvest"),
		zap.String("run_id", runID),
		zap.String("account", property.AccountName),
		zap.String("property", property.SiteURL),
		zap.String("table", table),
	)
	summary := &Summary{RunID: runID, Table: table}

	items, err := h.queue.FetchBatch(ctx, property.ID, job.ID, opts.MaxAttempts)
	if err != nil {
		return nil, eris.Wrap(err, "harvest: fetch batch")
	}
	summary.Items = len(items)
	if len(items) == 0 {
		log.Info("harvest: nothing to do")
		return summary, nil
	}
	log.Info("harvest: starting run",
		zap.Int("items", len(items)),
		zap.Int("max_workers", opts.MaxWorkers),
		zap.Float64("target_rps", opts.TargetRPS),
	)

	if err := h.warehouse.EnsureTable(ctx, table, job.Dimensions); err != nil {
		return nil, eris.Wrap(err, "harvest: ensure table")
	}
	indexes := IndexMaintainer{Warehouse: h.warehouse, Threshold: opts.IndexThreshold}
	dropped, err := indexes.Before(ctx, table, len(items))
	if err != nil {
		return nil, err
	}

	tasks := NewDispatcher(job, items)
	results := make(chan Result, opts.MaxWorkers)
	smp := newSamples()

	ctrl := &controller{
		opts:    opts,
		tasks:   tasks,
		samples: smp,
		metrics: h.metrics,
		log:     log,
	}
	ctrl.spawnFn = func(id int) (*worker, error) {
		src, err := h.sources(id)
		if err != nil {
			return nil, err
		}
		return &worker{
			id:      id,
			source:  NewThrottle(src, opts.TargetRPS),
			tasks:   tasks,
			results: results,
			samples: smp,
			opts:    opts,
			metrics: h.metrics,
			pool:    ctrl.size,
			retire:  make(chan struct{}),
			done:    make(chan struct{}),
			log:     log.With(zap.Int("worker", id)),
		}, nil
	}
	wr := &writer{
		queue:     h.queue,
		warehouse: h.warehouse,
		results:   results,
		metrics:   h.metrics,
		log:       log,
	}

	var (
		g     errgroup.Group
		stats writerStats
	)
	g.Go(func() error {
		stats = wr.run(ctx)
		return nil
	})
	g.Go(func() error {
		defer close(results)
		return ctrl.run(ctx)
	})
	runErr := g.Wait()

	if err := indexes.After(context.WithoutCancel(ctx), table, dropped); err != nil {
		log.Error("harvest: restore indices", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	summary.Completed = stats.Completed
	summary.Failed = stats.Failed
	summary.Rows = stats.Rows
	summary.Duration = time.Since(start)
	log.Info("harvest: run finished",
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("remaining", summary.Remaining()),
		zap.Int64("rows", summary.Rows),
		zap.Duration("duration", summary.Duration),
	)

	if runErr != nil {
		return summary, runErr
	}
	return summary, ctx.Err()
}
