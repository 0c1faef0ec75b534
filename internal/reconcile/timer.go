package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/voucherescrow/internal/syncutil"
)

// DefaultScanInterval is how often the periodic scan runs.
const DefaultScanInterval = 5 * time.Minute

// Timer repeats ScanPending so listings whose events were missed are still
// picked up.
type Timer struct {
	*syncutil.Periodic
}

// NewTimer schedules scanner. A non-positive interval uses DefaultScanInterval.
func NewTimer(scanner *Scanner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	scan := func(ctx context.Context) error {
		_, err := scanner.ScanPending(ctx)
		return err
	}
	return &Timer{Periodic: syncutil.NewPeriodic("pending-scan", interval, logger, scan)}
}
