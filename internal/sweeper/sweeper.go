// Package sweeper re-enqueues jobs the queue has forgotten about: FAILED
// jobs whose backoff has elapsed, PENDING jobs whose enqueue was lost
// between the ledger insert and the queue publish, and PROCESSING jobs
// abandoned by a worker that died before recording an outcome.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatline/chatline-be/internal/ledger"
	"github.com/chatline/chatline-be/internal/queue"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultStaleAfter = 15 * time.Minute
	DefaultBatchLimit = 100
)

type Config struct {
	// Interval between sweep passes. Defaults to DefaultInterval.
	Interval time.Duration

	// StaleAfter is how long a PENDING or PROCESSING job may sit untouched
	// before the sweeper assumes its delivery or its worker was lost. Must
	// comfortably exceed both the worker's claim latency and its per-job
	// timeout. Defaults to DefaultStaleAfter.
	StaleAfter time.Duration

	// BatchLimit caps the jobs re-enqueued per pass per category.
	// Defaults to DefaultBatchLimit.
	BatchLimit int
}

// Sweeper periodically scans the ledger for retry-eligible jobs and puts
// them back on the queue. Multiple instances may run concurrently: the
// ledger's selection flips job state in the same statement, so each due job
// is handed to exactly one sweep.
type Sweeper struct {
	store      ledger.Store
	enqueuer   queue.Enqueuer
	interval   time.Duration
	staleAfter time.Duration
	batchLimit int
	logger     *slog.Logger
}

func New(store ledger.Store, enqueuer queue.Enqueuer, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	return &Sweeper{
		store:      store,
		enqueuer:   enqueuer,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		batchLimit: cfg.BatchLimit,
		logger:     logger,
	}
}

// Run sweeps on a fixed interval until the context is cancelled. One pass
// runs immediately on start so a restart does not delay overdue retries by
// a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting retry sweeper",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Sweep pass failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("Sweep pass re-enqueued jobs", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Retry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs a single pass and returns how many jobs were re-enqueued.
// Failed jobs whose next_attempt_at has passed go first, then stale
// PENDING jobs, then abandoned PROCESSING jobs. An enqueue failure is
// logged and skipped: the job stays PENDING and a later pass picks it up
// via the stale scan.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0

	due, err := s.store.SelectForRetry(ctx, time.Now().UTC(), s.batchLimit)
	if err != nil {
		return total, err
	}
	total += s.enqueueAll(ctx, due, "retry")

	stale, err := s.store.ResetStalePending(ctx, s.staleAfter, s.batchLimit)
	if err != nil {
		return total, err
	}
	total += s.enqueueAll(ctx, stale, "stale_pending")

	abandoned, err := s.store.ResetStaleProcessing(ctx, s.staleAfter, s.batchLimit)
	if err != nil {
		return total, err
	}
	total += s.enqueueAll(ctx, abandoned, "stale_processing")

	return total, nil
}

func (s *Sweeper) enqueueAll(ctx context.Context, jobIDs []string, reason string) int {
	enqueued := 0
	for _, jobID := range jobIDs {
		if err := s.enqueuer.Enqueue(ctx, jobID, 0); err != nil {
			s.logger.Error("Failed to re-enqueue job",
				slog.String("job_id", jobID),
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("Re-enqueued job",
			slog.String("job_id", jobID),
			slog.String("reason", reason),
		)
		enqueued++
	}
	return enqueued
}
