/*
scheduler.go - Background release sweep scheduler

PURPOSE:
  Periodically promotes pending points whose unlock time has passed,
  independent of any single user request. Each tick runs the legacy lock
  sweep first, then the canonical top-up batch sweep.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Both sweeps are safe to re-run: released/zeroed items no longer match
    the due-item queries
  - A failed item is skipped and retried on the next tick; the rest of
    the page is unaffected (one transaction per item)

USAGE:
  scheduler := NewReleaseScheduler(ledger, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/ledger.go: ReleaseDueLocks, ReleasePendingDue
  - handlers.go: TriggerRelease endpoint (manual sweep)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olympay/loyalty-engine/loyalty"
)

// ReleaseScheduler periodically releases due locks and top-up batches.
type ReleaseScheduler struct {
	Ledger        *loyalty.Ledger
	Log           *zap.Logger
	CheckInterval time.Duration
	PageSize      int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReleaseScheduler creates a new scheduler with default settings.
func NewReleaseScheduler(ledger *loyalty.Ledger, log *zap.Logger) *ReleaseScheduler {
	return &ReleaseScheduler{
		Ledger:        ledger,
		Log:           log,
		CheckInterval: 1 * time.Minute,
		PageSize:      loyalty.DefaultPageSize,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *ReleaseScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("release scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run()

	rs.Log.Info("release scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (rs *ReleaseScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.Log.Info("release scheduler stopped")
	}
}

func (rs *ReleaseScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.sweep()

	for {
		select {
		case <-rs.ticker.C:
			rs.sweep()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReleaseScheduler) sweep() {
	ctx := context.Background()
	in := loyalty.SweepInput{PageSize: rs.PageSize}

	locks, err := rs.Ledger.ReleaseDueLocks(ctx, in)
	if err != nil {
		rs.Log.Warn("lock sweep had failures", zap.Int("processed", locks), zap.Error(err))
	}

	res, err := rs.Ledger.ReleasePendingDue(ctx, in)
	if err != nil {
		rs.Log.Warn("pending sweep had failures", zap.Int("processed", res.Processed), zap.Error(err))
	}

	if locks > 0 || res.Processed > 0 {
		rs.Log.Info("release sweep completed",
			zap.Int("locks", locks),
			zap.Int("batches", res.Processed),
			zap.Int64("released", res.ReleasedTotal))
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (rs *ReleaseScheduler) RunNow() {
	rs.sweep()
}
