package harvest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/warehouse"
)

// DefaultIndexThreshold is the batch size above which secondary indices are
// dropped for the duration of a run.
const DefaultIndexThreshold = 50

// IndexMaintainer drops a table's secondary indices before a large bulk
// load and recreates them afterwards.
type IndexMaintainer struct {
	Warehouse warehouse.Warehouse
	Threshold int
}

// Before drops the indices when batch exceeds the threshold and reports
// whether it did.
func (m IndexMaintainer) Before(ctx context.Context, table string, batch int) (bool, error) {
	if batch <= m.Threshold {
		return false, nil
	}
	zap.L().Info("harvest: dropping indices", zap.String("table", table), zap.Int("batch", batch))
	if err := m.Warehouse.DropIndices(ctx, table); err != nil {
		return false, eris.Wrapf(err, "harvest: drop indices %s", table)
	}
	return true, nil
}

// After recreates the indices if Before dropped them.
func (m IndexMaintainer) After(ctx context.Context, table string, dropped bool) error {
	if !dropped {
		return nil
	}
	zap.L().Info("harvest: creating indices", zap.String("table", table))
	return eris.Wrapf(m.Warehouse.CreateIndices(ctx, table), "harvest: create indices %s", table)
}
