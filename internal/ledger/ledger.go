// Package ledger is the authoritative record of job progress. It is
// deliberately independent of the queue: a delivery lost to a worker crash
// leaves the job row behind, and the sweeper re-enqueues it from here. The
// ledger is the sole writer of job state; every transition is a conditional
// UPDATE so concurrent workers cannot clobber each other.
package ledger

import (
	"context"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
)

// Store records job lifecycle transitions and answers retry-eligibility
// queries. Implementations must make each transition atomic per row.
type Store interface {
	// Create inserts a new job in PENDING state with its payload snapshot.
	Create(ctx context.Context, job *domain.Job) error

	// RecordAttempt claims a PENDING job: increments the attempt count,
	// stamps last_attempt_at, and transitions PENDING -> PROCESSING.
	// Returns domain.ErrJobNotClaimable if the job is not PENDING.
	RecordAttempt(ctx context.Context, jobID string) (*domain.Job, error)

	// RecordSuccess transitions PROCESSING -> COMPLETED. Terminal; the row
	// is retained for audit.
	RecordSuccess(ctx context.Context, jobID string) error

	// RecordFailure transitions PROCESSING -> FAILED and schedules the next
	// attempt. When attempts are exhausted, next_attempt_at is cleared and
	// the failure is terminal.
	RecordFailure(ctx context.Context, jobID string, procErr error) error

	// SelectForRetry atomically flips FAILED, non-terminal jobs whose
	// next_attempt_at <= now back to PENDING and returns their ids,
	// oldest-due first. Because selection and the FAILED -> PENDING
	// transition happen in one statement, overlapping sweeps never pick the
	// same job twice.
	SelectForRetry(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ResetStalePending returns PENDING jobs that have seen no attempt for
	// olderThan, stamping them so they are not returned again immediately.
	// Covers deliveries lost between ledger insert and queue publish.
	ResetStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)

	// ResetStaleProcessing recovers jobs abandoned mid-attempt: PROCESSING
	// rows untouched for olderThan flip back to PENDING when attempts
	// remain, or to terminal FAILED when the ceiling is already reached.
	// Returns the ids flipped to PENDING for re-enqueue. Covers workers
	// that died between claiming a job and recording its outcome.
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)

	// GetJob fetches a single job row.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// ListJobs returns jobs matching the filter for operator dashboards.
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
}

// JobFilter narrows ListJobs results. Cursor is keyset pagination on
// (created_at, job_id) descending.
type JobFilter struct {
	Status      string
	ContentType string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor marks the position after the last row of the previous page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Schedule computes when a failed job becomes eligible again. After the k-th
// failed attempt the delay is BaseDelay * Multiplier^k, capped at MaxDelay.
type Schedule struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Delay returns the backoff after attemptCount recorded attempts.
func (s Schedule) Delay(attemptCount int) time.Duration {
	d := float64(s.BaseDelay)
	for i := 0; i < attemptCount; i++ {
		d *= s.Multiplier
	}
	if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(d)
}

// NextAttempt returns now + Delay(attemptCount).
func (s Schedule) NextAttempt(now time.Time, attemptCount int) time.Time {
	return now.Add(s.Delay(attemptCount))
}
