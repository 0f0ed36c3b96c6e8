// Package worker runs the background parts of the engine: the periodic
// reconciler and the queue event router.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/clec/bundle-reseller/internal/domain/order"
)

// Reconciler is implemented by *order.Service.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (order.ReconcileStats, error)
}

// Scheduler calls ReconcileOnce on a fixed interval.
type Scheduler struct {
	r        Reconciler
	interval time.Duration
	lastRun  atomic.Int64
}

func NewScheduler(r Reconciler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{r: r, interval: interval}
}

// Run runs one pass immediately and then one per tick until ctx is done. A
// failed pass is logged and the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("reconciler")
	lg.Info("Starting", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, lg)
		select {
		case <-ctx.Done():
			lg.Info("Stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// LastRun is the start of the last pass that completed without error.
func (s *Scheduler) LastRun() time.Time {
	if v := s.lastRun.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

func (s *Scheduler) runOnce(ctx context.Context, lg *zap.Logger) {
	start := time.Now()
	stats, err := s.r.ReconcileOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			lg.Error("Reconcile pass failed", zap.Error(err))
		}
		return
	}
	s.lastRun.Store(start.UnixNano())
	if stats == (order.ReconcileStats{}) {
		lg.Debug("Nothing to reconcile")
		return
	}
	lg.Info("Reconcile pass",
		zap.Int("verified", stats.Verified),
		zap.Int("expired", stats.Expired),
		zap.Int("resolved", stats.Resolved),
		zap.Int("dispatched", stats.Dispatched),
		zap.Int("polled", stats.Polled),
		zap.Int("timed_out", stats.TimedOut),
		zap.Int("settled", stats.Settled),
		zap.Duration("took", time.Since(start)),
	)
}
