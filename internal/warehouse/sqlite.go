package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sa-harvest/internal/db"
	"github.com/sells-group/sa-harvest/internal/model"
)

// SQLiteWarehouse keeps one SQLite file per account under a data directory.
type SQLiteWarehouse struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	columns map[string][]string
}

// SQLitePath returns the data file of an account.
func SQLitePath(dataDir, account string) string {
	return filepath.Join(dataDir, account+".db")
}

// NewSQLite opens (creating if needed) the account's data file.
func NewSQLite(dataDir, account string) (*SQLiteWarehouse, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "warehouse: create data dir %s", dataDir)
	}
	path := SQLitePath(dataDir, account)
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "warehouse: exec %s", pragma)
		}
	}
	return &SQLiteWarehouse{db: conn, path: path, columns: make(map[string][]string)}, nil
}

func (w *SQLiteWarehouse) EnsureTable(ctx context.Context, table string, dimensions []string) error {
	cols := Columns(dimensions)
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		defs = append(defs, db.QuoteIdent(c)+" "+sqliteType(c))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", db.QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return eris.Wrapf(err, "warehouse: create table %s", table)
	}

	w.mu.Lock()
	w.columns[table] = cols
	w.mu.Unlock()
	return nil
}

func sqliteType(column string) string {
	switch column {
	case "clicks", "impressions", QueueIDColumn:
		return "INTEGER"
	case "ctr", "position":
		return "REAL"
	default:
		return "TEXT"
	}
}

// Insert writes a batch in one transaction.
func (w *SQLiteWarehouse) Insert(ctx context.Context, b Batch) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	cols, ok := w.columns[b.Table]
	w.mu.Unlock()
	if !ok {
		if err := w.EnsureTable(ctx, b.Table, b.Dimensions); err != nil {
			return 0, err
		}
		cols = Columns(b.Dimensions)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = db.QuoteIdent(c)
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		db.QuoteIdent(b.Table), strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: begin insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse: prepare insert %s", b.Table)
	}
	defer stmt.Close()

	var n int64
	for _, vals := range Values(b, b.Date.Format(model.DateLayout)) {
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return 0, eris.Wrapf(err, "warehouse: insert into %s", b.Table)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "warehouse: commit insert")
	}
	return n, nil
}

func (w *SQLiteWarehouse) DropIndices(ctx context.Context, table string) error {
	queueIdx, dateIdx := IndexNames(table)
	for _, idx := range []string{queueIdx, dateIdx} {
		if _, err := w.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+db.QuoteIdent(idx)); err != nil {
			return eris.Wrapf(err, "warehouse: drop index %s", idx)
		}
	}
	return nil
}

func (w *SQLiteWarehouse) CreateIndices(ctx context.Context, table string) error {
	queueIdx, dateIdx := IndexNames(table)
	for _, ix := range [][2]string{{queueIdx, QueueIDColumn}, {dateIdx, DateColumn}} {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			db.QuoteIdent(ix[0]), db.QuoteIdent(table), db.QuoteIdent(ix[1]))
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrapf(err, "warehouse: create index %s", ix[0])
		}
	}
	return nil
}

// Purge closes the data file and removes it along with its WAL files.
func (w *SQLiteWarehouse) Purge(_ context.Context) error {
	if err := w.db.Close(); err != nil {
		return eris.Wrap(err, "warehouse: close before purge")
	}
	for _, p := range []string{w.path, w.path + "-wal", w.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return eris.Wrapf(err, "warehouse: remove %s", p)
		}
	}
	w.mu.Lock()
	w.columns = make(map[string][]string)
	w.mu.Unlock()
	return nil
}

func (w *SQLiteWarehouse) Close() error {
	return w.db.Close()
}
