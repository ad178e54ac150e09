package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sa-harvest/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(s string) time.Time {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func dates(from string, n int) []time.Time {
	start := day(from)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, i)
	}
	return out
}

// seed creates a property with one job and returns both.
func seed(t *testing.T, st Store) (*model.Property, *model.Job) {
	t.Helper()
	ctx := context.Background()
	p, err := st.EnsureProperty(ctx, "acme", "https://acme.com/")
	require.NoError(t, err)
	j, err := st.CreateJob(ctx, p.ID, model.JobSpec{SearchType: "web", Dimensions: []string{"query", "page"}})
	require.NoError(t, err)
	return p, j
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

// --- Properties ---

func TestSQLite_EnsureProperty_LookupOrCreate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.EnsureProperty(ctx, "acme", "https://acme.com/")
	require.NoError(t, err)
	assert.True(t, first.Active)

	second, err := st.EnsureProperty(ctx, "acme", "https://acme.com/")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := st.EnsureProperty(ctx, "acme", "sc-domain:acme.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSQLite_GetProperty_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	p, err := st.GetProperty(context.Background(), "nobody", "https://nowhere/")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSQLite_ListProperties_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.EnsureProperty(ctx, "acme", "https://acme.com/")
	require.NoError(t, err)
	_, err = st.EnsureProperty(ctx, "acme", "https://shop.acme.com/")
	require.NoError(t, err)
	_, err = st.EnsureProperty(ctx, "globex", "https://globex.com/")
	require.NoError(t, err)
	require.NoError(t, st.SetPropertyActive(ctx, a.ID, false))

	all, err := st.ListProperties(ctx, PropertyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	acme, err := st.ListProperties(ctx, PropertyFilter{AccountName: "acme"})
	require.NoError(t, err)
	assert.Len(t, acme, 2)

	active, err := st.ListProperties(ctx, PropertyFilter{AccountName: "acme", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "https://shop.acme.com/", active[0].SiteURL)
}

func TestSQLite_SetPropertyActive_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.SetPropertyActive(context.Background(), 999, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "property not found")
}

func TestSQLite_DeleteProperty_RemovesJobsAndQueue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	_, err := st.Enqueue(ctx, p.ID, j.ID, dates("2024-01-01", 3))
	require.NoError(t, err)

	require.NoError(t, st.DeleteProperty(ctx, p.ID))

	got, err := st.GetProperty(ctx, "acme", "https://acme.com/")
	require.NoError(t, err)
	assert.Nil(t, got)

	jobs, err := st.ListJobs(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	queued, err := st.QueueDates(ctx, p.ID, j.ID)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

// --- Jobs ---

func TestSQLite_CreateJob_RoundTripsFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, plain := seed(t, st)

	filtered, err := st.CreateJob(ctx, p.ID, model.JobSpec{
		SearchType: "web",
		Dimensions: []string{"page", "query"},
		Filter:     &model.Filter{Dimension: "country", Expression: "deu", Operator: "equals"},
	})
	require.NoError(t, err)
	assert.True(t, filtered.Active)

	jobs, err := st.ListJobs(ctx, p.ID, false)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, plain.ID, jobs[0].ID)
	assert.Nil(t, jobs[0].Filter)
	assert.Equal(t, []string{"query", "page"}, jobs[0].Dimensions)

	require.NotNil(t, jobs[1].Filter)
	assert.Equal(t, model.Filter{Dimension: "country", Expression: "deu", Operator: "equals"}, *jobs[1].Filter)
	assert.Equal(t, "web_page_query_deu", jobs[1].TableName())
}

func TestSQLite_SetJobActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	require.NoError(t, st.SetJobActive(ctx, j.ID, false))

	active, err := st.ListJobs(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := st.ListJobs(ctx, p.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)

	require.Error(t, st.SetJobActive(ctx, 12345, true))
}

// --- Queue ---

func TestSQLite_Enqueue_InsertsOnlyMissing(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	n, err := st.Enqueue(ctx, p.ID, j.ID, dates("2024-01-01", 5))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Overlapping window: 3 old dates, 2 new ones.
	n, err = st.Enqueue(ctx, p.ID, j.ID, dates("2024-01-03", 5))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.Enqueue(ctx, p.ID, j.ID, dates("2024-01-01", 7))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	queued, err := st.QueueDates(ctx, p.ID, j.ID)
	require.NoError(t, err)
	assert.Equal(t, dates("2024-01-01", 7), queued)
}

func TestSQLite_Enqueue_DeduplicatesInput(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	in := []time.Time{day("2024-02-01"), day("2024-02-01"), day("2024-02-01").Add(13 * time.Hour)}
	n, err := st.Enqueue(ctx, p.ID, j.ID, in)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_FetchBatch_FiltersFinishedAndExhausted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	_, err := st.Enqueue(ctx, p.ID, j.ID, dates("2024-03-01", 4))
	require.NoError(t, err)

	items, err := st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, day("2024-03-01"), items[0].Date)
	assert.False(t, items[0].Finished)
	assert.Zero(t, items[0].Attempts)

	require.NoError(t, st.Complete(ctx, items[0].ID, model.Completion{Rows: 10, Seconds: 1, Hits: 2, RPS: 2}))
	for i := 0; i < 3; i++ {
		require.NoError(t, st.RecordFailure(ctx, items[1].ID, "quota"))
	}

	items, err = st.FetchBatch(ctx, p.ID, j.ID, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.False(t, it.Finished)
		assert.LessOrEqual(t, it.Failures, 2)
	}

	items, err = st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestSQLite_Complete_RecordsTelemetryOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	_, err := st.Enqueue(ctx, p.ID, j.ID, dates("2024-03-01", 1))
	require.NoError(t, err)
	items, err := st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	c := model.Completion{Rows: 30000, Seconds: 1.5, Hits: 3, RPS: 2}
	require.NoError(t, st.Complete(ctx, id, c))

	err = st.Complete(ctx, id, model.Completion{Rows: 1, Seconds: 1, Hits: 2, RPS: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPending))

	var (
		attempts, rows, hits int
		finished             bool
		seconds, rps         float64
	)
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT attempts, finished, rows, seconds, hits, rps FROM query_queue WHERE id = ?`, id,
	).Scan(&attempts, &finished, &rows, &seconds, &hits, &rps))
	assert.Equal(t, 1, attempts)
	assert.True(t, finished)
	assert.Equal(t, 30000, rows)
	assert.Equal(t, 1.5, seconds)
	assert.Equal(t, 3, hits)
	assert.Equal(t, 2.0, rps)

	items, err = st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLite_Complete_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.Complete(context.Background(), 42, model.Completion{})
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestSQLite_RecordFailure_LeavesAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)

	_, err := st.Enqueue(ctx, p.ID, j.ID, dates("2024-03-01", 1))
	require.NoError(t, err)
	items, err := st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)

	require.NoError(t, st.RecordFailure(ctx, items[0].ID, "first"))
	require.NoError(t, st.RecordFailure(ctx, items[0].ID, "second"))

	items, err = st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Failures)
	assert.Equal(t, "second", items[0].LastError)
	assert.Zero(t, items[0].Attempts)
	assert.False(t, items[0].Finished)

	require.Error(t, st.RecordFailure(ctx, 999, "x"))
}

func TestSQLite_Progress(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p, j := seed(t, st)
	empty, err := st.CreateJob(ctx, p.ID, model.JobSpec{SearchType: "image", Dimensions: []string{"query"}})
	require.NoError(t, err)

	_, err = st.Enqueue(ctx, p.ID, j.ID, dates("2024-03-01", 4))
	require.NoError(t, err)
	items, err := st.FetchBatch(ctx, p.ID, j.ID, 5)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, items[0].ID, model.Completion{Rows: 100, Hits: 2}))
	require.NoError(t, st.Complete(ctx, items[1].ID, model.Completion{Rows: 50, Hits: 2}))
	require.NoError(t, st.RecordFailure(ctx, items[2].ID, "boom"))

	progress, err := st.Progress(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, progress, 2)

	assert.Equal(t, model.Progress{
		PropertyID: p.ID, JobID: j.ID, Table: "web_page_query",
		Total: 4, Finished: 2, Failed: 1, Rows: 150,
	}, progress[0])
	assert.Equal(t, 2, progress[0].Pending())

	assert.Equal(t, empty.ID, progress[1].JobID)
	assert.Equal(t, "image_query", progress[1].Table)
	assert.Zero(t, progress[1].Total)
}
