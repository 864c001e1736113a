package domain

import "time"

// Job status constants
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// Job is one queued unit of work wrapping a raw inbound event. The ledger row
// is authoritative: the queue may drop a delivery on worker crash, the job row
// survives and the sweeper re-enqueues it.
type Job struct {
	JobID         string      `db:"job_id"`
	ExternalID    string      `db:"external_id"`
	ContentType   ContentType `db:"content_type"`
	Payload       string      `db:"payload"` // raw event JSON, immutable snapshot
	Status        string      `db:"status"`
	AttemptCount  int         `db:"attempt_count"`
	MaxAttempts   int         `db:"max_attempts"`
	LastAttemptAt *time.Time  `db:"last_attempt_at"`
	NextAttemptAt *time.Time  `db:"next_attempt_at"`
	LastError     *string     `db:"last_error"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

// Terminal reports whether no further automatic retry will occur for the job.
// A failed job is terminal once its attempts are exhausted, which the ledger
// records by clearing next_attempt_at.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted:
		return true
	case JobStatusFailed:
		return j.NextAttemptAt == nil
	default:
		return false
	}
}

// JobMessage is the queue envelope for a job delivery.
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
