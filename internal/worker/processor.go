package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatline/chatline-be/internal/domain"
)

// processJob runs a single delivery through claim, pipeline, and outcome
// recording. The return value drives the broker decision only: nil means the
// ledger holds the outcome and the delivery can be ACKed, non-nil means the
// outcome was NOT recorded and the delivery should be NACKed (requeued when
// the error is transient).
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	// Claim the job (PENDING -> PROCESSING). A job that is not claimable
	// was already picked up, completed, or moved to FAILED by another
	// worker; the duplicate delivery is simply dropped.
	job, err := w.ledger.RecordAttempt(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotClaimable) {
			w.logger.Warn("Job not claimable, dropping duplicate delivery",
				slog.String("job_id", msg.JobID),
			)
			return nil
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Error("Job not found in ledger, dropping delivery",
				slog.String("job_id", msg.JobID),
			)
			return nil
		}
		return domain.NewTransientError(fmt.Errorf("failed to claim job: %w", err))
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	procErr := w.processor.Process(jobCtx, job)
	if procErr != nil {
		w.logger.Error("Job attempt failed",
			slog.String("job_id", job.JobID),
			slog.String("content_type", string(job.ContentType)),
			slog.Int("attempt_count", job.AttemptCount),
			slog.String("error", procErr.Error()),
		)

		if err := w.ledger.RecordFailure(ctx, job.JobID, procErr); err != nil {
			return domain.NewTransientError(fmt.Errorf("failed to record job failure: %w", err))
		}
		// failure is in the ledger; the sweeper re-enqueues when the
		// backoff elapses
		return nil
	}

	if err := w.ledger.RecordSuccess(ctx, job.JobID); err != nil {
		// the message record exists, so a reprocessed delivery dedups at
		// persistence
		return domain.NewTransientError(fmt.Errorf("failed to record job success: %w", err))
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.JobID),
		slog.String("content_type", string(job.ContentType)),
		slog.Int("attempt_count", job.AttemptCount),
	)

	return nil
}
