package harvest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/resilience"
	"github.com/sells-group/sa-harvest/internal/store"
	"github.com/sells-group/sa-harvest/internal/warehouse"
)

var (
	testProperty = model.Property{ID: 1, AccountName: "acme", SiteURL: "https://acme.com/", Active: true}
	testJob      = model.Job{ID: 2, PropertyID: 1, Dimensions: []string{"query", "page"}, SearchType: "web", Active: true}
	firstDate    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func testOptions() Options {
	return Options{
		MaxWorkers:     5,
		TargetRPS:      1000,
		MaxAttempts:    5,
		Cooldown:       10 * time.Millisecond,
		EvalInterval:   5 * time.Millisecond,
		Window:         20 * time.Millisecond,
		IndexThreshold: DefaultIndexThreshold,
		Retry: resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

// --- queue ---

type fakeQueue struct {
	mu    sync.Mutex
	items map[int64]*model.QueueItem
	next  int64
}

func newFakeQueue(n int) *fakeQueue {
	q := &fakeQueue{items: make(map[int64]*model.QueueItem)}
	dates := make([]time.Time, n)
	for i := range dates {
		dates[i] = firstDate.AddDate(0, 0, i)
	}
	_, _ = q.Enqueue(context.Background(), testProperty.ID, testJob.ID, dates)
	return q
}

func (q *fakeQueue) Enqueue(_ context.Context, propertyID, jobID int64, dates []time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	for _, it := range q.items {
		seen[it.Date.Format(model.DateLayout)] = true
	}
	added := 0
	for _, d := range dates {
		key := d.Format(model.DateLayout)
		if seen[key] {
			continue
		}
		seen[key] = true
		q.next++
		q.items[q.next] = &model.QueueItem{ID: q.next, PropertyID: propertyID, JobID: jobID, Date: d}
		added++
	}
	return added, nil
}

func (q *fakeQueue) FetchBatch(_ context.Context, _, _ int64, maxAttempts int) ([]model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.QueueItem
	for _, it := range q.items {
		if !it.Finished && it.Attempts <= maxAttempts && it.Failures <= maxAttempts {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *fakeQueue) Complete(_ context.Context, itemID int64, c model.Completion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	if !ok || it.Finished {
		return store.ErrNotPending
	}
	it.Finished = true
	it.Attempts++
	it.Rows, it.Seconds, it.Hits, it.RPS = c.Rows, c.Seconds, c.Hits, c.RPS
	return nil
}

func (q *fakeQueue) RecordFailure(_ context.Context, itemID int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.items[itemID]
	it.Failures++
	it.LastError = errMsg
	return nil
}

func (q *fakeQueue) get(id int64) model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.items[id]
}

func (q *fakeQueue) finished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Finished {
			n++
		}
	}
	return n
}

// --- warehouse ---

type fakeWarehouse struct {
	mu        sync.Mutex
	events    []string
	rows      map[int64]int
	insertErr error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{rows: make(map[int64]int)}
}

func (w *fakeWarehouse) record(event string) {
	w.mu.Lock()
	w.events = append(w.events, event)
	w.mu.Unlock()
}

func (w *fakeWarehouse) EnsureTable(_ context.Context, _ string, _ []string) error {
	w.record("ensure")
	return nil
}

func (w *fakeWarehouse) Insert(_ context.Context, b warehouse.Batch) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.insertErr != nil {
		return 0, w.insertErr
	}
	w.events = append(w.events, "insert")
	w.rows[b.ItemID] += len(b.Rows)
	return int64(len(b.Rows)), nil
}

func (w *fakeWarehouse) DropIndices(_ context.Context, _ string) error {
	w.record("drop")
	return nil
}

func (w *fakeWarehouse) CreateIndices(_ context.Context, _ string) error {
	w.record("create")
	return nil
}

func (w *fakeWarehouse) Purge(_ context.Context) error { return nil }
func (w *fakeWarehouse) Close() error                  { return nil }

func (w *fakeWarehouse) count(event string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.events {
		if e == event {
			n++
		}
	}
	return n
}

// --- source ---

type fakeSource struct {
	fn       func(req model.FetchRequest) ([]model.Row, error)
	delay    time.Duration
	calls    atomic.Int64
	ok       atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
}

func (s *fakeSource) Fetch(_ context.Context, req model.FetchRequest) ([]model.Row, error) {
	s.calls.Add(1)
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	rows, err := s.fn(req)
	if err == nil {
		s.ok.Add(1)
	}
	return rows, err
}

func rowsOf(n int) func(model.FetchRequest) ([]model.Row, error) {
	return func(req model.FetchRequest) ([]model.Row, error) {
		rows := make([]model.Row, n)
		for i := range rows {
			rows[i] = model.Row{Keys: []string{"q", "https://acme.com/p"}, Clicks: 1, Impressions: 10}
		}
		return rows, nil
	}
}

// shared hands the same source to every worker.
func shared(src DataSource) SourceFactory {
	return func(int) (DataSource, error) { return src, nil }
}

func errRetryable() error {
	return resilience.NewRetryableError(errors.New("backend error"), 503)
}

func errFatal() error {
	return resilience.NewFatalError(errors.New("forbidden"), 403)
}

// concurrency tracks how many fetches overlap across sources.
type concurrency struct {
	inflight atomic.Int64
	peak     atomic.Int64
}

func (c *concurrency) enter() func() {
	n := c.inflight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { c.inflight.Add(-1) }
}

// pacedSource is a per-worker source whose latency depends on the call
// number, starting at 1.
type pacedSource struct {
	pace    func(call int) time.Duration
	conc    *concurrency
	calls   atomic.Int64
	lastEnd atomic.Int64
}

func (s *pacedSource) Fetch(_ context.Context, _ model.FetchRequest) ([]model.Row, error) {
	n := s.calls.Add(1)
	leave := s.conc.enter()
	defer leave()
	if d := s.pace(int(n)); d > 0 {
		time.Sleep(d)
	}
	s.lastEnd.Store(time.Now().UnixNano())
	return rowsOf(1)(model.FetchRequest{})
}

// pacedWorkers builds one pacedSource per worker id, all sharing conc.
type pacedWorkers struct {
	mu      sync.Mutex
	conc    concurrency
	pace    func(worker, call int) time.Duration
	sources map[int]*pacedSource
}

func newPacedWorkers(pace func(worker, call int) time.Duration) *pacedWorkers {
	return &pacedWorkers{pace: pace, sources: make(map[int]*pacedSource)}
}

func (p *pacedWorkers) factory(id int) (DataSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := &pacedSource{pace: func(call int) time.Duration { return p.pace(id, call) }, conc: &p.conc}
	p.sources[id] = src
	return src, nil
}

func (p *pacedWorkers) source(id int) *pacedSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sources[id]
}

func (p *pacedWorkers) started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}
