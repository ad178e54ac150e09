package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/store"
)

type fixture struct {
	srv  *Server
	st   *store.SQLiteStore
	prop *model.Property
	job  *model.Job
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "harvest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	prop, err := st.EnsureProperty(ctx, "acme", "https://acme.com/")
	require.NoError(t, err)
	job, err := st.CreateJob(ctx, prop.ID, model.JobSpec{SearchType: "web", Dimensions: []string{"query", "page"}})
	require.NoError(t, err)

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = st.Enqueue(ctx, prop.ID, job.ID, []time.Time{first, first.AddDate(0, 0, 1), first.AddDate(0, 0, 2)})
	require.NoError(t, err)
	items, err := st.FetchBatch(ctx, prop.ID, job.ID, 5)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, items[0].ID, model.Completion{Rows: 7, Seconds: 1, Hits: 2, RPS: 2}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_test_total", Help: "test"}))

	return fixture{srv: New(st, reg, ":0"), st: st, prop: prop, job: job}
}

func (f fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListProperties(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/properties?account=acme")
	require.Equal(t, http.StatusOK, rec.Code)

	var props []model.Property
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &props))
	require.Len(t, props, 1)
	assert.Equal(t, "https://acme.com/", props[0].SiteURL)

	rec = f.do(t, http.MethodGet, "/api/v1/properties?account=globex")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestProgress(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/properties/1/progress")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []ProgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "web_page_query", out[0].Table)
	assert.Equal(t, 3, out[0].Total)
	assert.Equal(t, 1, out[0].Finished)
	assert.Equal(t, 2, out[0].Pending)
	assert.Equal(t, int64(7), out[0].Rows)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/properties/1/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "web", jobs[0].SearchType)
}

func TestJobToggle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/jobs/1/deactivate")
	require.Equal(t, http.StatusOK, rec.Code)

	jobs, err := f.st.ListJobs(context.Background(), f.prop.ID, true)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	rec = f.do(t, http.MethodPost, "/api/v1/jobs/1/activate")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs, err = f.st.ListJobs(context.Background(), f.prop.ID, true)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestPropertyToggle_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/properties/99/deactivate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/properties/abc/progress")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "harvest_test_total")
}
