package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/notifyhub-gateway/internal/model"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/nimasrn/notifyhub-gateway/pkg/prom"
	"github.com/nimasrn/notifyhub-gateway/pkg/worker"
)

type Retrier interface {
	PendingRetries(ctx context.Context, limit int) ([]*model.DeliveryRecord, error)
	Retry(ctx context.Context, id uuid.UUID) (bool, error)
}

type Config struct {
	CheckInterval time.Duration
	BatchSize     int
	// Pause is slept between two records handled by the same worker.
	Pause   time.Duration
	Workers int
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Minute,
		BatchSize:     50,
		Pause:         2 * time.Second,
		Workers:       1,
	}
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// Scheduler periodically retries failed deliveries that are due.
type Scheduler struct {
	svc     Retrier
	cfg     Config
	clock   Clock
	stats   *RunStats
	workers *worker.WorkerManager
}

func New(svc Retrier, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	s := &Scheduler{
		svc:   svc,
		cfg:   cfg,
		clock: RealClock(),
		stats: NewRunStats(),
	}
	if cfg.Workers > 1 {
		s.workers = worker.NewWorkerManager(cfg.BatchSize, cfg.Workers)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run retries due records every CheckInterval until ctx is done. The first
// cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("retry scheduler started", "interval", s.cfg.CheckInterval, "batch_size", s.cfg.BatchSize,
		"pause", s.cfg.Pause, "workers", s.cfg.Workers)
	for {
		if ctx.Err() != nil {
			break
		}
		s.RunCycle(ctx)
		if err := s.clock.Sleep(ctx, s.cfg.CheckInterval); err != nil {
			break
		}
	}
	logger.Info("retry scheduler stopped", "cycles", s.stats.Snapshot().Cycles)
	return nil
}

// RunCycle handles one batch and returns how many records were attempted.
func (s *Scheduler) RunCycle(ctx context.Context) int {
	start := s.clock.Now()
	defer func() {
		s.stats.RecordCycle(start, s.clock.Now().Sub(start))
		prom.IncSchedulerCycle()
	}()

	records, err := s.svc.PendingRetries(ctx, s.cfg.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("failed to load emails pending retry", "error", err)
		}
		return 0
	}
	prom.SetSchedulerBatch(len(records))
	if len(records) == 0 {
		logger.Debug("no emails pending retry")
		return 0
	}
	logger.Info("retrying failed emails", "count", len(records))

	if s.workers != nil {
		return s.runPooled(ctx, records)
	}

	attempted := 0
	for i, rec := range records {
		if i > 0 {
			if err := s.clock.Sleep(ctx, s.cfg.Pause); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		s.retryOne(ctx, rec)
		attempted++
	}
	return attempted
}

func (s *Scheduler) runPooled(ctx context.Context, records []*model.DeliveryRecord) int {
	busy := make([]bool, s.workers.Workers())
	s.workers.SetWorker(func(ctx context.Context, idx int, job interface{}) {
		if busy[idx] {
			if err := s.clock.Sleep(ctx, s.cfg.Pause); err != nil {
				return
			}
		}
		busy[idx] = true
		s.retryOne(ctx, job.(*model.DeliveryRecord))
	})

	jobs := make([]interface{}, len(records))
	for i, rec := range records {
		jobs[i] = rec
	}
	return s.workers.Run(ctx, jobs)
}

// retryOne never lets one record stop the batch, a panic is counted as an error.
func (s *Scheduler) retryOne(ctx context.Context, rec *model.DeliveryRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.RecordError()
			prom.IncSchedulerRetried("error")
			logger.Error("retry panicked", "email_id", rec.ID, "panic", r)
		}
	}()

	ok, err := s.svc.Retry(ctx, rec.ID)
	switch {
	case err != nil:
		s.stats.RecordError()
		prom.IncSchedulerRetried("error")
		logger.Error("retry failed", "email_id", rec.ID, "error", err)
	case ok:
		s.stats.RecordSuccess()
		prom.IncSchedulerRetried("success")
		logger.Info("email delivered on retry", "email_id", rec.ID, "attempt", rec.RetryCount+1)
	default:
		s.stats.RecordFailure()
		prom.IncSchedulerRetried("failure")
		logger.Warn("email retry unsuccessful", "email_id", rec.ID, "attempt", rec.RetryCount+1)
	}
}

func (s *Scheduler) Stats() Snapshot {
	return s.stats.Snapshot()
}
