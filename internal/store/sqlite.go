package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sa-harvest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS gsc_properties (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	account_name TEXT NOT NULL,
	gsc_property TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	UNIQUE (account_name, gsc_property)
);

CREATE TABLE IF NOT EXISTS gsc_property_jobs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	gsc_property_id INTEGER NOT NULL REFERENCES gsc_properties(id),
	dimensions      TEXT NOT NULL,
	searchtype      TEXT NOT NULL,
	filter          TEXT,
	active          INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS query_queue (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	gsc_property_id     INTEGER NOT NULL REFERENCES gsc_properties(id),
	gsc_property_job_id INTEGER NOT NULL REFERENCES gsc_property_jobs(id),
	date                TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	finished            INTEGER NOT NULL DEFAULT 0,
	rows                INTEGER NOT NULL DEFAULT 0,
	seconds             REAL NOT NULL DEFAULT 0,
	hits                INTEGER NOT NULL DEFAULT 0,
	rps                 REAL NOT NULL DEFAULT 0,
	streamed            INTEGER NOT NULL DEFAULT 0,
	failures            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	UNIQUE (gsc_property_id, gsc_property_job_id, date)
);

CREATE INDEX IF NOT EXISTS idx_jobs_property ON gsc_property_jobs(gsc_property_id);
CREATE INDEX IF NOT EXISTS idx_queue_pending ON query_queue(gsc_property_id, gsc_property_job_id, finished);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Properties ---

func (s *SQLiteStore) EnsureProperty(ctx context.Context, accountName, siteURL string) (*model.Property, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gsc_properties (account_name, gsc_property, active) VALUES (?, ?, 1)
		 ON CONFLICT (account_name, gsc_property) DO NOTHING`,
		accountName, siteURL,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert property")
	}
	p, err := s.GetProperty(ctx, accountName, siteURL)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, eris.Errorf("sqlite: property %s %s vanished after insert", accountName, siteURL)
	}
	return p, nil
}

// GetProperty returns nil when the property does not exist.
func (s *SQLiteStore) GetProperty(ctx context.Context, accountName, siteURL string) (*model.Property, error) {
	var p model.Property
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_name, gsc_property, active FROM gsc_properties
		 WHERE account_name = ? AND gsc_property = ?`,
		accountName, siteURL,
	).Scan(&p.ID, &p.AccountName, &p.SiteURL, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get property")
	}
	return &p, nil
}

func (s *SQLiteStore) ListProperties(ctx context.Context, filter PropertyFilter) ([]model.Property, error) {
	query := `SELECT id, account_name, gsc_property, active FROM gsc_properties WHERE 1=1`
	var args []any
	if filter.AccountName != "" {
		query += ` AND account_name = ?`
		args = append(args, filter.AccountName)
	}
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list properties")
	}
	defer rows.Close()

	var props []model.Property
	for rows.Next() {
		var p model.Property
		if err := rows.Scan(&p.ID, &p.AccountName, &p.SiteURL, &p.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan property")
		}
		props = append(props, p)
	}
	return props, eris.Wrap(rows.Err(), "sqlite: iterate properties")
}

func (s *SQLiteStore) SetPropertyActive(ctx context.Context, propertyID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gsc_properties SET active = ? WHERE id = ?`, active, propertyID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set property active %d", propertyID)
	}
	return checkRowsAffected(res, "property", propertyID)
}

// DeleteProperty removes the property together with its jobs and queue items.
func (s *SQLiteStore) DeleteProperty(ctx context.Context, propertyID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete property")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM query_queue WHERE gsc_property_id = ?`,
		`DELETE FROM gsc_property_jobs WHERE gsc_property_id = ?`,
		`DELETE FROM gsc_properties WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, propertyID); err != nil {
			return eris.Wrapf(err, "sqlite: delete property %d", propertyID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete property")
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, propertyID int64, spec model.JobSpec) (*model.Job, error) {
	dims, err := encodeDimensions(spec.Dimensions)
	if err != nil {
		return nil, err
	}
	filter, err := encodeFilter(spec.Filter)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO gsc_property_jobs (gsc_property_id, dimensions, searchtype, filter, active) VALUES (?, ?, ?, ?, 1)`,
		propertyID, dims, spec.SearchType, filter,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job id")
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

func (s *SQLiteStore) ListJobs(ctx context.Context, propertyID int64, activeOnly bool) ([]model.Job, error) {
	query := `SELECT id, gsc_property_id, dimensions, searchtype, filter, active FROM gsc_property_jobs WHERE gsc_property_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var (
			j      model.Job
			dims   string
			filter sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.PropertyID, &dims, &j.SearchType, &filter, &j.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		if j.Dimensions, err = decodeDimensions(dims); err != nil {
			return nil, err
		}
		if filter.Valid {
			if j.Filter, err = decodeFilter(&filter.String); err != nil {
				return nil, err
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) SetJobActive(ctx context.Context, jobID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gsc_property_jobs SET active = ? WHERE id = ?`, active, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job active %d", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

// --- Queue ---

func (s *SQLiteStore) QueueDates(ctx context.Context, propertyID, jobID int64) ([]time.Time, error) {
	return queueDates(ctx, s.db, propertyID, jobID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queueDates(ctx context.Context, q queryer, propertyID, jobID int64) ([]time.Time, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT date FROM query_queue WHERE gsc_property_id = ? AND gsc_property_job_id = ? ORDER BY date`,
		propertyID, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dates")
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan date")
		}
		d, err := time.Parse(model.DateLayout, raw)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", raw)
		}
		dates = append(dates, d)
	}
	return dates, eris.Wrap(rows.Err(), "sqlite: iterate dates")
}

// Enqueue inserts queue items for the dates that are not queued yet and
// returns how many were added.
func (s *SQLiteStore) Enqueue(ctx context.Context, propertyID, jobID int64, dates []time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin enqueue")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := queueDates(ctx, tx, propertyID, jobID)
	if err != nil {
		return 0, err
	}
	missing := missingDates(existing, dates)
	if len(missing) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO query_queue (gsc_property_id, gsc_property_job_id, date) VALUES (?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare enqueue")
	}
	defer stmt.Close()

	for _, d := range missing {
		if _, err := stmt.ExecContext(ctx, propertyID, jobID, d.Format(model.DateLayout)); err != nil {
			return 0, eris.Wrapf(err, "sqlite: enqueue %s", d.Format(model.DateLayout))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit enqueue")
	}
	return len(missing), nil
}

func (s *SQLiteStore) FetchBatch(ctx context.Context, propertyID, jobID int64, maxAttempts int) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, gsc_property_id, gsc_property_job_id, date, attempts, finished, rows,
		        seconds, hits, rps, streamed, failures, last_error
		 FROM query_queue
		 WHERE gsc_property_id = ? AND gsc_property_job_id = ? AND finished = 0
		   AND attempts <= ? AND failures <= ?
		 ORDER BY id`,
		propertyID, jobID, maxAttempts, maxAttempts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fetch batch")
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var (
			it  model.QueueItem
			raw string
		)
		if err := rows.Scan(&it.ID, &it.PropertyID, &it.JobID, &raw, &it.Attempts, &it.Finished, &it.Rows,
			&it.Seconds, &it.Hits, &it.RPS, &it.Streamed, &it.Failures, &it.LastError); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue item")
		}
		if it.Date, err = time.Parse(model.DateLayout, raw); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date %q", raw)
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate queue items")
}

// Complete marks an unfinished item finished and records its telemetry. It
// returns ErrNotPending when the item is missing or already finished.
func (s *SQLiteStore) Complete(ctx context.Context, itemID int64, c model.Completion) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_queue
		 SET finished = 1, attempts = attempts + 1, rows = ?, seconds = ?, hits = ?, rps = ?
		 WHERE id = ? AND finished = 0`,
		c.Rows, c.Seconds, c.Hits, c.RPS, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete queue item %d", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotPending, "item %d", itemID)
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, itemID int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_queue SET failures = failures + 1, last_error = ? WHERE id = ?`,
		errMsg, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record failure %d", itemID)
	}
	return checkRowsAffected(res, "queue item", itemID)
}

func (s *SQLiteStore) Progress(ctx context.Context, propertyID int64) ([]model.Progress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id, j.dimensions, j.searchtype, j.filter,
		        COUNT(q.id),
		        COALESCE(SUM(q.finished), 0),
		        COALESCE(SUM(CASE WHEN q.finished = 0 AND q.failures > 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(q.rows), 0)
		 FROM gsc_property_jobs j
		 LEFT JOIN query_queue q ON q.gsc_property_job_id = j.id
		 WHERE j.gsc_property_id = ?
		 GROUP BY j.id
		 ORDER BY j.id`,
		propertyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: progress")
	}
	defer rows.Close()

	var out []model.Progress
	for rows.Next() {
		var (
			p      = model.Progress{PropertyID: propertyID}
			job    model.Job
			dims   string
			filter sql.NullString
		)
		if err := rows.Scan(&p.JobID, &dims, &job.SearchType, &filter, &p.Total, &p.Finished, &p.Failed, &p.Rows); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan progress")
		}
		if job.Dimensions, err = decodeDimensions(dims); err != nil {
			return nil, err
		}
		if filter.Valid {
			if job.Filter, err = decodeFilter(&filter.String); err != nil {
				return nil, err
			}
		}
		p.Table = job.TableName()
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate progress")
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}
