package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hook0/hook0-sub001/internal/metrics"
)

// Reaper periodically clears orphaned FIFO gates: a gate left
// pointing at an attempt that crashed between pickup and finalize would
// otherwise block that subscription forever.
type Reaper struct {
	store           Store
	interval        time.Duration
	orphanThreshold time.Duration
	logger          *slog.Logger
	stop            chan struct{}
	running         atomic.Bool
}

// NewReaper builds a reaper that runs every interval and considers a FIFO
// gate orphaned once its current attempt has been picked for longer than
// orphanThreshold without terminating.
func NewReaper(store Store, interval, orphanThreshold time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:           store,
		interval:        interval,
		orphanThreshold: orphanThreshold,
		logger:          logger,
		stop:            make(chan struct{}),
	}
}

// Running reports whether the reaper loop is actively running.
func (r *Reaper) Running() bool { return r.running.Load() }

// Start begins the periodic reaping loop. Call in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the reaper to stop.
func (r *Reaper) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reaper) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in orphan reaper", "panic", fmt.Sprint(rec))
		}
	}()

	cleared, err := r.store.ClearOrphanFIFOStates(ctx, int64(r.orphanThreshold.Seconds()))
	if err != nil {
		r.logger.Warn("orphan reap failed", "error", err)
		return
	}
	if cleared > 0 {
		metrics.OrphansClearedTotal.Add(float64(cleared))
		r.logger.Info("cleared orphaned fifo gates", "count", cleared)
	}
}
