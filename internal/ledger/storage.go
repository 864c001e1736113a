package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Storage is the PostgreSQL implementation of Store.
type Storage struct {
	db       *sqlx.DB
	schedule Schedule
	logger   *slog.Logger
}

// NewStorage creates a new Storage instance.
func NewStorage(db *sqlx.DB, schedule Schedule, logger *slog.Logger) *Storage {
	return &Storage{
		db:       db,
		schedule: schedule,
		logger:   logger,
	}
}

func (s *Storage) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, external_id, content_type, payload,
			status, attempt_count, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.ExternalID,
		job.ContentType,
		job.Payload,
		domain.JobStatusPending,
		job.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("external_id", job.ExternalID),
		slog.String("content_type", string(job.ContentType)),
	)

	return nil
}

// RecordAttempt claims the job with a conditional update. Only one worker
// wins; the losers get ErrJobNotClaimable and must not process the payload.
func (s *Storage) RecordAttempt(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempt_count = attempt_count + 1,
		    last_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING job_id, external_id, content_type, payload, attempt_count, max_attempts
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusProcessing, jobID, domain.JobStatusPending).Scan(
		&job.JobID,
		&job.ExternalID,
		&job.ContentType,
		&job.Payload,
		&job.AttemptCount,
		&job.MaxAttempts,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - not in PENDING status",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobNotClaimable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusProcessing

	s.logger.Info("Job attempt recorded",
		slog.String("job_id", jobID),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return &job, nil
}

func (s *Storage) RecordSuccess(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    next_attempt_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s not in PROCESSING status", domain.ErrJobNotFound, jobID)
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
	)

	return nil
}

// nextAttemptAfterFailure returns when a failed job becomes retry-eligible,
// or nil when its attempts are exhausted and the failure is terminal.
func nextAttemptAfterFailure(schedule Schedule, now time.Time, attemptCount, maxAttempts int) *time.Time {
	if attemptCount >= maxAttempts {
		return nil
	}
	next := schedule.NextAttempt(now, attemptCount)
	return &next
}

// RecordFailure reads the attempt count under lock, computes the backoff in
// Go, and writes the FAILED row in the same transaction. next_attempt_at is
// always in the future, so it never decreases across retries of one job.
func (s *Storage) RecordFailure(ctx context.Context, jobID string, procErr error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var attemptCount, maxAttempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_count, max_attempts
		FROM jobs
		WHERE job_id = $1
		FOR UPDATE
	`, jobID).Scan(&attemptCount, &maxAttempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to lock job for failure: %w", err)
	}

	nextAttemptAt := nextAttemptAfterFailure(s.schedule, time.Now().UTC(), attemptCount, maxAttempts)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1,
		    next_attempt_at = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE job_id = $4
	`, domain.JobStatusFailed, nextAttemptAt, procErr.Error(), jobID)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure record: %w", err)
	}

	if nextAttemptAt != nil {
		s.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", jobID),
			slog.Int("attempt_count", attemptCount),
			slog.Time("next_attempt_at", *nextAttemptAt),
			slog.String("error", procErr.Error()),
		)
	} else {
		s.logger.Error("Job failed terminally, attempts exhausted",
			slog.String("job_id", jobID),
			slog.Int("attempt_count", attemptCount),
			slog.String("error", procErr.Error()),
		)
	}

	return nil
}

// SelectForRetry flips eligible rows back to PENDING and returns their ids in
// one statement. SKIP LOCKED keeps overlapping sweeps disjoint.
func (s *Storage) SelectForRetry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id
			FROM jobs
			WHERE status = $2
			  AND next_attempt_at IS NOT NULL
			  AND next_attempt_at <= $3
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id
	`

	rows, err := s.db.QueryContext(ctx, query, domain.JobStatusPending, domain.JobStatusFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs for retry: %w", err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate retry rows: %w", err)
	}

	if len(jobIDs) > 0 {
		s.logger.Info("Jobs selected for retry",
			slog.Int("count", len(jobIDs)),
		)
	}

	return jobIDs, nil
}

// ResetStalePending finds PENDING jobs whose queue delivery apparently never
// arrived: no attempt recorded and no update for olderThan. Touching
// updated_at keeps the next sweep from re-returning the same rows before the
// re-enqueue has a chance to land.
func (s *Storage) ResetStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		UPDATE jobs
		SET updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id
			FROM jobs
			WHERE status = $1
			  AND updated_at < $2
			ORDER BY updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id
	`

	rows, err := s.db.QueryContext(ctx, query, domain.JobStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale pending jobs: %w", err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale pending rows: %w", err)
	}

	if len(jobIDs) > 0 {
		s.logger.Warn("Stale pending jobs found for re-enqueue",
			slog.Int("count", len(jobIDs)),
		)
	}

	return jobIDs, nil
}

// ResetStaleProcessing recovers jobs whose worker died after claiming them.
// The attempt was recorded but no outcome ever was, so the row sits in
// PROCESSING where neither redelivery (unclaimable) nor the retry scan
// (FAILED only) can reach it. Rows with attempts left go back to PENDING;
// exhausted rows become terminal FAILED.
func (s *Storage) ResetStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		UPDATE jobs
		SET status = CASE WHEN attempt_count < max_attempts THEN $1 ELSE $2 END,
		    next_attempt_at = NULL,
		    last_error = 'attempt abandoned: worker recorded no outcome',
		    updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id
			FROM jobs
			WHERE status = $3
			  AND updated_at < $4
			ORDER BY updated_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, status
	`

	rows, err := s.db.QueryContext(ctx, query,
		domain.JobStatusPending, domain.JobStatusFailed, domain.JobStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to reset stale processing jobs: %w", err)
	}
	defer rows.Close()

	var pending []string
	terminal := 0
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		if status == domain.JobStatusPending {
			pending = append(pending, id)
		} else {
			terminal++
			s.logger.Error("Abandoned job failed terminally, attempts exhausted",
				slog.String("job_id", id),
			)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale processing rows: %w", err)
	}

	if len(pending) > 0 || terminal > 0 {
		s.logger.Warn("Abandoned processing jobs recovered",
			slog.Int("reenqueued", len(pending)),
			slog.Int("terminal", terminal),
		)
	}

	return pending, nil
}

func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT job_id, external_id, content_type, payload, status,
		       attempt_count, max_attempts, last_attempt_at, next_attempt_at,
		       last_error, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `
		SELECT job_id, external_id, content_type, payload, status,
		       attempt_count, max_attempts, last_attempt_at, next_attempt_at,
		       last_error, created_at, updated_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.ContentType != "" {
		query += fmt.Sprintf(" AND content_type = $%d", argIdx)
		args = append(args, filter.ContentType)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
