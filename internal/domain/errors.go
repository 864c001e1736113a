package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotClaimable is returned when attempting to claim a job that is
	// not in PENDING status (already claimed, completed, or failed)
	ErrJobNotClaimable = errors.New("job not claimable: not in PENDING status")

	// ErrInvalidPayload is returned when a job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// TransientError wraps failures that are worth retrying: network timeouts,
// rate limits, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// PermanentError wraps failures that retrying cannot fix: malformed payloads,
// unsupported types, 4xx responses. They skip local retry but are still
// recorded in the ledger, so an operator can re-trigger after fixing the cause.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err as non-retryable.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is wrapped as a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is wrapped as a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StageError is the single typed failure a pipeline attempt hands to the
// ledger: which stage failed, for which job, and the underlying cause.
type StageError struct {
	Stage string
	JobID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed for job %s: %v", e.Stage, e.JobID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
