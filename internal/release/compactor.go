package release

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/voucherescrow/internal/syncutil"
)

// DefaultRetention keeps terminal attempts this long before compaction.
const DefaultRetention = 24 * time.Hour

// Compactor periodically removes terminal attempts older than the
// retention window.
type Compactor struct {
	*syncutil.Periodic
	store     Store
	retention time.Duration
	logger    *slog.Logger
}

// NewCompactor creates a compactor. The sweep interval is a tenth of the
// retention, clamped to [1m, 1h].
func NewCompactor(store Store, retention time.Duration, logger *slog.Logger) *Compactor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compactor{store: store, retention: retention, logger: logger}
	interval := min(max(retention/10, time.Minute), time.Hour)
	c.Periodic = syncutil.NewPeriodic("attempt-compaction", interval, logger, c.sweep)
	return c
}

// RunOnce compacts immediately and returns how many records were removed.
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	n, err := c.store.Compact(ctx, time.Now().Add(-c.retention))
	if err != nil {
		return 0, err
	}
	compactedAttempts.Add(float64(n))
	return n, nil
}

func (c *Compactor) sweep(ctx context.Context) error {
	n, err := c.RunOnce(ctx)
	if n > 0 {
		c.logger.Info("compacted attempt journal", "removed", n)
	}
	return err
}
