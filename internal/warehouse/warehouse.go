// Package warehouse stores harvested rows in per-job destination tables.
package warehouse

import (
	"context"
	"time"

	"github.com/sells-group/sa-harvest/internal/model"
)

// Reserved columns appended to every destination table.
const (
	DateColumn    = "date"
	QueueIDColumn = "query_queue_id"
)

// Batch is the result set of one queue item.
type Batch struct {
	Table      string
	Dimensions []string
	ItemID     int64
	Date       time.Time
	Rows       []model.Row
}

// Warehouse persists rows for a single account.
type Warehouse interface {
	// EnsureTable creates the destination table for a job if missing.
	EnsureTable(ctx context.Context, table string, dimensions []string) error
	// Insert bulk-inserts a batch and returns the number of rows written.
	Insert(ctx context.Context, b Batch) (int64, error)
	DropIndices(ctx context.Context, table string) error
	CreateIndices(ctx context.Context, table string) error
	// Purge deletes every table of the account.
	Purge(ctx context.Context) error
	Close() error
}

// IndexNames returns the two secondary index names of a table.
func IndexNames(table string) (queueIdx, dateIdx string) {
	return table + "_" + QueueIDColumn + "_idx", table + "_" + DateColumn + "_idx"
}

// Columns returns the column order of a destination table. A "date"
// dimension collapses into the reserved date column.
func Columns(dimensions []string) []string {
	cols := make([]string, 0, len(dimensions)+len(model.MetricColumns)+2)
	for _, d := range dimensions {
		if d == DateColumn {
			continue
		}
		cols = append(cols, d)
	}
	cols = append(cols, model.MetricColumns...)
	return append(cols, DateColumn, QueueIDColumn)
}

// Values flattens a batch into rows ordered like Columns, with date as the
// date column value. Key positions follow the job's dimension order as
// returned by the API.
func Values(b Batch, date any) [][]any {
	out := make([][]any, 0, len(b.Rows))
	for _, r := range b.Rows {
		vals := make([]any, 0, len(b.Dimensions)+len(model.MetricColumns)+2)
		for i, d := range b.Dimensions {
			if d == DateColumn {
				continue
			}
			var key any
			if i < len(r.Keys) {
				key = r.Keys[i]
			}
			vals = append(vals, key)
		}
		vals = append(vals, r.Metrics()...)
		vals = append(vals, date, b.ItemID)
		out = append(out, vals)
	}
	return out
}
