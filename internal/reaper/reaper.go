// Package reaper deletes finished items whose retention has passed, for
// stores that have no native expiry.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval matches the cadence of MongoDB's TTL monitor.
const DefaultInterval = 60 * time.Second

// Expirer is implemented by stores that expire records on request.
type Expirer interface {
	Expire(ctx context.Context, now time.Time) (int64, error)
}

type Reaper struct {
	store    Expirer
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(store Expirer, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shutting down")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs a single expiry pass and returns the number of deleted items.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.Expire(ctx, r.now())
	if n > 0 {
		r.logger.Info("expired finished items", zap.Int64("deleted", n))
	}
	return n, err
}
