package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/ledger"
	"github.com/chatline/chatline-be/internal/pipeline"
	"github.com/chatline/chatline-be/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	jobs      map[string]*domain.Job
	successes []string
	failures  []string
	claimErr  error
}

func (f *fakeLedger) Create(ctx context.Context, job *domain.Job) error { return nil }

func (f *fakeLedger) RecordAttempt(ctx context.Context, jobID string) (*domain.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobNotClaimable
	}
	job.Status = domain.JobStatusProcessing
	job.AttemptCount++
	return job, nil
}

func (f *fakeLedger) RecordSuccess(ctx context.Context, jobID string) error {
	f.successes = append(f.successes, jobID)
	return nil
}

func (f *fakeLedger) RecordFailure(ctx context.Context, jobID string, procErr error) error {
	f.failures = append(f.failures, jobID)
	return nil
}

func (f *fakeLedger) SelectForRetry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeLedger) ResetStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeLedger) ResetStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeLedger) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (f *fakeLedger) ListJobs(ctx context.Context, filter ledger.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

type stubMessages struct {
	err error
}

func (s *stubMessages) Upsert(ctx context.Context, msg *domain.Message) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return true, nil
}

func (s *stubMessages) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	return nil, errors.New("not found")
}

func newTestWorker(store *fakeLedger, messages *stubMessages) *Worker {
	fast := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	proc := pipeline.NewProcessor(&pipeline.Config{
		Messages: messages,
		Policies: pipeline.Policies{
			MediaTransfer: fast,
			Transcription: fast,
			Extraction:    fast,
			Persistence:   fast,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return NewWorker(&Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Ledger:    store,
		Processor: proc,
		WorkerID:  "worker-test",
	})
}

func textJobRow(jobID string) *domain.Job {
	event := &domain.InboundEvent{
		ID:        "ext-" + jobID,
		Type:      "text",
		ChatID:    "chat@s.whatsapp.net",
		Timestamp: 1735689600,
		Text:      &domain.TextContent{Body: "hi"},
	}
	raw, _ := json.Marshal(event)
	return &domain.Job{
		JobID:       jobID,
		ExternalID:  "ext-" + jobID,
		ContentType: domain.ContentTypeText,
		Payload:     string(raw),
		Status:      domain.JobStatusPending,
		MaxAttempts: 3,
	}
}

func TestProcessJobRecordsSuccess(t *testing.T) {
	store := &fakeLedger{jobs: map[string]*domain.Job{"j-1": textJobRow("j-1")}}
	w := newTestWorker(store, &stubMessages{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: "j-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j-1"}, store.successes)
	assert.Empty(t, store.failures)
	assert.Equal(t, 1, store.jobs["j-1"].AttemptCount)
}

func TestProcessJobRecordsFailureAndAcks(t *testing.T) {
	store := &fakeLedger{jobs: map[string]*domain.Job{"j-2": textJobRow("j-2")}}
	messages := &stubMessages{err: domain.NewTransientError(errors.New("db down"))}
	w := newTestWorker(store, messages)

	// the attempt fails but its outcome lands in the ledger, so the
	// delivery is still ACKable
	err := w.processJob(context.Background(), &domain.JobMessage{JobID: "j-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"j-2"}, store.failures)
	assert.Empty(t, store.successes)
}

func TestProcessJobDropsUnclaimableDelivery(t *testing.T) {
	job := textJobRow("j-3")
	job.Status = domain.JobStatusCompleted
	store := &fakeLedger{jobs: map[string]*domain.Job{"j-3": job}}
	w := newTestWorker(store, &stubMessages{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: "j-3"})
	require.NoError(t, err)
	assert.Empty(t, store.successes)
	assert.Empty(t, store.failures)
}

func TestProcessJobClaimInfraErrorRequeues(t *testing.T) {
	store := &fakeLedger{claimErr: errors.New("connection refused")}
	w := newTestWorker(store, &stubMessages{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: "j-4"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}
