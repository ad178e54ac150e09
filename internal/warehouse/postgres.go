package warehouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sa-harvest/internal/db"
)

// PostgresWarehouse keeps each account's tables in a schema named after the
// account and loads rows with COPY.
type PostgresWarehouse struct {
	pool   db.Pool
	schema string

	mu     sync.Mutex
	tables map[string]bool
}

// NewPostgres returns a warehouse for account on a shared pool. The pool is
// owned by the caller.
func NewPostgres(ctx context.Context, pool db.Pool, account string) (*PostgresWarehouse, error) {
	w := &PostgresWarehouse{pool: pool, schema: PostgresName(account), tables: make(map[string]bool)}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+db.QuoteIdent(w.schema)); err != nil {
		return nil, eris.Wrapf(err, "warehouse: create schema %s", account)
	}
	return w, nil
}

// maxIdentLen is the byte limit Postgres silently truncates identifiers to.
const maxIdentLen = 63

// PostgresName fits name into a Postgres identifier. Names over the limit
// keep a prefix and get a hash of the full name appended, so two long names
// sharing a prefix stay distinct.
func PostgresName(name string) string {
	if len(name) <= maxIdentLen {
		return name
	}
	suffix := fmt.Sprintf("_%016x", xxhash.Sum64String(name))
	cut := maxIdentLen - len(suffix)
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut] + suffix
}

func (w *PostgresWarehouse) table(name string) pgx.Identifier {
	return pgx.Identifier{w.schema, PostgresName(name)}
}

func (w *PostgresWarehouse) ident(name string) string {
	return w.table(name).Sanitize()
}

func (w *PostgresWarehouse) EnsureTable(ctx context.Context, table string, dimensions []string) error {
	cols := Columns(dimensions)
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, db.QuoteIdent(c)+" "+postgresType(c))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", w.ident(table), strings.Join(defs, ", "))
	if _, err := w.pool.Exec(ctx, stmt); err != nil {
		return eris.Wrapf(err, "warehouse: create table %s", table)
	}

	w.mu.Lock()
	w.tables[table] = true
	w.mu.Unlock()
	return nil
}

func postgresType(column string) string {
	switch column {
	case "clicks", "impressions", "ctr", "position":
		return "DOUBLE PRECISION"
	case DateColumn:
		return "DATE"
	case QueueIDColumn:
		return "BIGINT"
	default:
		return "TEXT"
	}
}

func (w *PostgresWarehouse) Insert(ctx context.Context, b Batch) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	known := w.tables[b.Table]
	w.mu.Unlock()
	if !known {
		if err := w.EnsureTable(ctx, b.Table, b.Dimensions); err != nil {
			return 0, err
		}
	}

	n, err := db.CopyInto(ctx, w.pool, w.table(b.Table), Columns(b.Dimensions), Values(b, b.Date))
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: insert")
	}
	return n, nil
}

func (w *PostgresWarehouse) DropIndices(ctx context.Context, table string) error {
	queueIdx, dateIdx := IndexNames(table)
	for _, idx := range []string{queueIdx, dateIdx} {
		if _, err := w.pool.Exec(ctx, "DROP INDEX IF EXISTS "+w.ident(idx)); err != nil {
			return eris.Wrapf(err, "warehouse: drop index %s", idx)
		}
	}
	return nil
}

func (w *PostgresWarehouse) CreateIndices(ctx context.Context, table string) error {
	queueIdx, dateIdx := IndexNames(table)
	for _, ix := range [][2]string{{queueIdx, QueueIDColumn}, {dateIdx, DateColumn}} {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			db.QuoteIdent(PostgresName(ix[0])), w.ident(table), db.QuoteIdent(ix[1]))
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "warehouse: create index %s", ix[0])
		}
	}
	return nil
}

// Purge drops the account schema with all its tables.
func (w *PostgresWarehouse) Purge(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+db.QuoteIdent(w.schema)+" CASCADE"); err != nil {
		return eris.Wrapf(err, "warehouse: drop schema %s", w.schema)
	}
	w.mu.Lock()
	w.tables = make(map[string]bool)
	w.mu.Unlock()
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (w *PostgresWarehouse) Close() error {
	return nil
}
