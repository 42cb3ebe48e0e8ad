/*
scheduler.go - Periodic ledger drift audit

PURPOSE:
  Runs catalog.Auditor on a fixed interval and logs every product whose
  newest history entry disagrees with its current lowest price. Drift
  means something wrote listings outside the engine.

DESIGN:
  - Runs in the caller's goroutine until ctx is done (fits errgroup)
  - Checks once immediately, then on every tick
  - A failed check is logged and retried on the next tick
  - Keeps the last report for GET /api/admin/drift consumers that want
    the cached result instead of a fresh scan

CONFIGURATION:
  - Interval: [audit] interval; zero disables the loop

USAGE:
  sched := NewDriftScheduler(auditor, 10*time.Minute, logger)
  g.Go(func() error { return sched.Run(ctx) })

SEE ALSO:
  - catalog/audit.go: Drift rules
  - handlers.go: GetDrift (on-demand check)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pricewatch/price-ledger/catalog"
)

// DriftScheduler handles periodic drift checks.
type DriftScheduler struct {
	Auditor  *catalog.Auditor
	Interval time.Duration
	Logger   *slog.Logger

	mu   sync.Mutex
	last *DriftRun
}

// DriftRun is the outcome of one check.
type DriftRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Drifts    []catalog.Drift
	Err       error
}

func NewDriftScheduler(auditor *catalog.Auditor, interval time.Duration, logger *slog.Logger) *DriftScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftScheduler{Auditor: auditor, Interval: interval, Logger: logger}
}

// Run blocks until ctx is done. It returns nil on cancellation so an
// errgroup shutdown is not reported as a failure.
func (ds *DriftScheduler) Run(ctx context.Context) error {
	if ds.Interval <= 0 {
		ds.Logger.InfoContext(ctx, "drift scheduler disabled")
		return nil
	}

	ticker := time.NewTicker(ds.Interval)
	defer ticker.Stop()

	ds.Logger.InfoContext(ctx, "drift scheduler started", slog.Duration("interval", ds.Interval))

	// Run immediately on start
	ds.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			ds.RunNow(ctx)
		case <-ctx.Done():
			ds.Logger.Info("drift scheduler stopped")
			return nil
		}
	}
}

// RunNow performs one check and records it.
func (ds *DriftScheduler) RunNow(ctx context.Context) DriftRun {
	run := DriftRun{StartedAt: time.Now()}
	run.Drifts, run.Err = ds.Auditor.Check(ctx)
	run.Duration = time.Since(run.StartedAt)

	switch {
	case run.Err != nil && ctx.Err() != nil:
		// Shutdown interrupted the scan; not worth reporting.
	case run.Err != nil:
		ds.Logger.ErrorContext(ctx, "drift check failed", slog.String("error", run.Err.Error()))
	case len(run.Drifts) > 0:
		for _, d := range run.Drifts {
			ds.Logger.WarnContext(ctx, "ledger drift detected",
				slog.Int64("product_id", int64(d.ProductID)),
				slog.Any("recorded_price", priceAttr(d.Recorded)),
				slog.Any("actual_price", priceAttr(d.Actual)),
			)
		}
	default:
		ds.Logger.DebugContext(ctx, "drift check clean", slog.Duration("duration", run.Duration))
	}

	ds.mu.Lock()
	ds.last = &run
	ds.mu.Unlock()
	return run
}

// Last returns the most recent run, or nil before the first one.
func (ds *DriftScheduler) Last() *DriftRun {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.last
}

func priceAttr(p *catalog.Price) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
