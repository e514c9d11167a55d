package scheduler

import (
	"context"
	"time"

	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
)

type Cleaner interface {
	CleanupExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// Sweeper deletes failed records older than Retention every Interval.
type Sweeper struct {
	svc       Cleaner
	interval  time.Duration
	retention time.Duration
	clock     Clock
}

func NewSweeper(svc Cleaner, interval, retention time.Duration, clock Clock) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Sweeper{svc: svc, interval: interval, retention: retention, clock: clock}
}

func (s *Sweeper) Run(ctx context.Context) error {
	logger.Info("retention sweeper started", "interval", s.interval, "retention", s.retention)
	for {
		if ctx.Err() != nil {
			break
		}
		s.Sweep(ctx)
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			break
		}
	}
	logger.Info("retention sweeper stopped")
	return nil
}

// Sweep runs one cleanup and returns the number of deleted records.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.svc.CleanupExpired(ctx, s.retention)
	if err != nil {
		logger.Error("retention sweep failed", "error", err)
		return 0
	}
	return n
}
