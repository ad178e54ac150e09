package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sa-harvest/internal/db"
	"github.com/sells-group/sa-harvest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// The writer runs these once per harvested item. pgx prepares and caches
// them per connection on first use, so connecting never depends on the
// schema being migrated.
const (
	completeItemSQL  = `UPDATE query_queue SET finished = TRUE, attempts = attempts + 1, rows = $1, seconds = $2, hits = $3, rps = $4 WHERE id = $5 AND finished = FALSE`
	recordFailureSQL = `UPDATE query_queue SET failures = failures + 1, last_error = $1 WHERE id = $2`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := poolConfig(connString, poolCfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func poolConfig(connString string, poolCfg *PoolConfig) (*pgxpool.Config, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	return pgxCfg, nil
}

// Pool returns the underlying database pool so the warehouse can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS gsc_properties (
	id           BIGSERIAL PRIMARY KEY,
	account_name TEXT NOT NULL,
	gsc_property TEXT NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (account_name, gsc_property)
);

CREATE TABLE IF NOT EXISTS gsc_property_jobs (
	id              BIGSERIAL PRIMARY KEY,
	gsc_property_id BIGINT NOT NULL REFERENCES gsc_properties(id),
	dimensions      TEXT NOT NULL,
	searchtype      TEXT NOT NULL,
	filter          TEXT,
	active          BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS query_queue (
	id                  BIGSERIAL PRIMARY KEY,
	gsc_property_id     BIGINT NOT NULL REFERENCES gsc_properties(id),
	gsc_property_job_id BIGINT NOT NULL REFERENCES gsc_property_jobs(id),
	date                DATE NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	finished            BOOLEAN NOT NULL DEFAULT FALSE,
	rows                BIGINT NOT NULL DEFAULT 0,
	seconds             DOUBLE PRECISION NOT NULL DEFAULT 0,
	hits                INTEGER NOT NULL DEFAULT 0,
	rps                 DOUBLE PRECISION NOT NULL DEFAULT 0,
	streamed            BOOLEAN NOT NULL DEFAULT FALSE,
	failures            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	UNIQUE (gsc_property_id, gsc_property_job_id, date)
);

CREATE INDEX IF NOT EXISTS idx_jobs_property ON gsc_property_jobs(gsc_property_id);
CREATE INDEX IF NOT EXISTS idx_queue_pending ON query_queue(gsc_property_id, gsc_property_job_id) WHERE NOT finished;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Properties ---

func (s *PostgresStore) EnsureProperty(ctx context.Context, accountName, siteURL string) (*model.Property, error) {
	var p model.Property
	err := s.pool.QueryRow(ctx,
		`INSERT INTO gsc_properties (account_name, gsc_property) VALUES ($1, $2)
		 ON CONFLICT (account_name, gsc_property) DO UPDATE SET account_name = EXCLUDED.account_name
		 RETURNING id, account_name, gsc_property, active`,
		accountName, siteURL,
	).Scan(&p.ID, &p.AccountName, &p.SiteURL, &p.Active)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: ensure property")
	}
	return &p, nil
}

// GetProperty returns nil when the property does not exist.
func (s *PostgresStore) GetProperty(ctx context.Context, accountName, siteURL string) (*model.Property, error) {
	var p model.Property
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_name, gsc_property, active FROM gsc_properties WHERE account_name = $1 AND gsc_property = $2`,
		accountName, siteURL,
	).Scan(&p.ID, &p.AccountName, &p.SiteURL, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get property")
	}
	return &p, nil
}

func (s *PostgresStore) ListProperties(ctx context.Context, filter PropertyFilter) ([]model.Property, error) {
	query := `SELECT id, account_name, gsc_property, active FROM gsc_properties WHERE 1=1`
	var args []any
	if filter.AccountName != "" {
		args = append(args, filter.AccountName)
		query += fmt.Sprintf(` AND account_name = $%d`, len(args))
	}
	if filter.ActiveOnly {
		query += ` AND active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list properties")
	}
	defer rows.Close()

	var props []model.Property
	for rows.Next() {
		var p model.Property
		if err := rows.Scan(&p.ID, &p.AccountName, &p.SiteURL, &p.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan property")
		}
		props = append(props, p)
	}
	return props, eris.Wrap(rows.Err(), "postgres: iterate properties")
}

func (s *PostgresStore) SetPropertyActive(ctx context.Context, propertyID int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE gsc_properties SET active = $1 WHERE id = $2`, active, propertyID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set property active %d", propertyID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("property not found: %d", propertyID)
	}
	return nil
}

// DeleteProperty removes the property together with its jobs and queue items.
func (s *PostgresStore) DeleteProperty(ctx context.Context, propertyID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete property")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM query_queue WHERE gsc_property_id = $1`,
		`DELETE FROM gsc_property_jobs WHERE gsc_property_id = $1`,
		`DELETE FROM gsc_properties WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, propertyID); err != nil {
			return eris.Wrapf(err, "postgres: delete property %d", propertyID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete property")
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, propertyID int64, spec model.JobSpec) (*model.Job, error) {
	dims, err := encodeDimensions(spec.Dimensions)
	if err != nil {
		return nil, err
	}
	filter, err := encodeFilter(spec.Filter)
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO gsc_property_jobs (gsc_property_id, dimensions, searchtype, filter) VALUES ($1, $2, $3, $4) RETURNING id`,
		propertyID, dims, spec.SearchType, filter,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return &model.Job{
		ID:         id,
		PropertyID: propertyID,
		Dimensions: spec.Dimensions,
		SearchType: spec.SearchType,
		Filter:     spec.Filter,
		Active:     true,
	}, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, propertyID int64, activeOnly bool) ([]model.Job, error) {
	query := `SELECT id, gsc_property_id, dimensions, searchtype, filter, active FROM gsc_property_jobs WHERE gsc_property_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var (
			j      model.Job
			dims   string
			filter *string
		)
		if err := rows.Scan(&j.ID, &j.PropertyID, &dims, &j.SearchType, &filter, &j.Active); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if j.Dimensions, err = decodeDimensions(dims); err != nil {
			return nil, err
		}
		if j.Filter, err = decodeFilter(filter); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) SetJobActive(ctx context.Context, jobID int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE gsc_property_jobs SET active = $1 WHERE id = $2`, active, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job active %d", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %d", jobID)
	}
	return nil
}

// --- Queue ---

func (s *PostgresStore) QueueDates(ctx context.Context, propertyID, jobID int64) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date FROM query_queue WHERE gsc_property_id = $1 AND gsc_property_job_id = $2 ORDER BY date`,
		propertyID, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dates")
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan date")
		}
		dates = append(dates, d)
	}
	return dates, eris.Wrap(rows.Err(), "postgres: iterate dates")
}

// Enqueue diffs dates against the queued ones and bulk-loads the rest with
// COPY. The unique constraint rejects the batch if a concurrent process
// enqueued the same dates in between.
func (s *PostgresStore) Enqueue(ctx context.Context, propertyID, jobID int64, dates []time.Time) (int, error) {
	existing, err := s.QueueDates(ctx, propertyID, jobID)
	if err != nil {
		return 0, err
	}
	missing := missingDates(existing, dates)
	if len(missing) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(missing))
	for i, d := range missing {
		rows[i] = []any{propertyID, jobID, d}
	}
	n, err := db.CopyFrom(ctx, s.pool, "query_queue",
		[]string{"gsc_property_id", "gsc_property_job_id", "date"}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: enqueue")
	}
	return int(n), nil
}

func (s *PostgresStore) FetchBatch(ctx context.Context, propertyID, jobID int64, maxAttempts int) ([]model.QueueItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, gsc_property_id, gsc_property_job_id, date, attempts, finished, rows,
		        seconds, hits, rps, streamed, failures, last_error
		 FROM query_queue
		 WHERE gsc_property_id = $1 AND gsc_property_job_id = $2 AND NOT finished
		   AND attempts <= $3 AND failures <= $3
		 ORDER BY id`,
		propertyID, jobID, maxAttempts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch batch")
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var (
			it    model.QueueItem
			count int64
		)
		if err := rows.Scan(&it.ID, &it.PropertyID, &it.JobID, &it.Date, &it.Attempts, &it.Finished, &count,
			&it.Seconds, &it.Hits, &it.RPS, &it.Streamed, &it.Failures, &it.LastError); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue item")
		}
		it.Rows = int(count)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate queue items")
}

// Complete marks an unfinished item finished and records its telemetry. It
// returns ErrNotPending when the item is missing or already finished.
func (s *PostgresStore) Complete(ctx context.Context, itemID int64, c model.Completion) error {
	tag, err := s.pool.Exec(ctx, completeItemSQL, c.Rows, c.Seconds, c.Hits, c.RPS, itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete queue item %d", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotPending, "item %d", itemID)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, itemID int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx, recordFailureSQL, errMsg, itemID)
	if err != nil {
		return eris.Wrapf(err, "postgres: record failure %d", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue item not found: %d", itemID)
	}
	return nil
}

func (s *PostgresStore) Progress(ctx context.Context, propertyID int64) ([]model.Progress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT j.id, j.dimensions, j.searchtype, j.filter,
		        COUNT(q.id),
		        COUNT(q.id) FILTER (WHERE q.finished),
		        COUNT(q.id) FILTER (WHERE NOT q.finished AND q.failures > 0),
		        COALESCE(SUM(q.rows), 0)
		 FROM gsc_property_jobs j
		 LEFT JOIN query_queue q ON q.gsc_property_job_id = j.id
		 WHERE j.gsc_property_id = $1
		 GROUP BY j.id
		 ORDER BY j.id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: progress")
	}
	defer rows.Close()

	var out []model.Progress
	for rows.Next() {
		var (
			p                       = model.Progress{PropertyID: propertyID}
			job                     model.Job
			dims                    string
			filter                  *string
			total, finished, failed int64
		)
		if err := rows.Scan(&p.JobID, &dims, &job.SearchType, &filter, &total, &finished, &failed, &p.Rows); err != nil {
			return nil, eris.Wrap(err, "postgres: scan progress")
		}
		if job.Dimensions, err = decodeDimensions(dims); err != nil {
			return nil, err
		}
		if job.Filter, err = decodeFilter(filter); err != nil {
			return nil, err
		}
		p.Total, p.Finished, p.Failed = int(total), int(finished), int(failed)
		p.Table = job.TableName()
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate progress")
}
