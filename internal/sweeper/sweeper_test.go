package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/ledger"
	"github.com/chatline/chatline-be/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLedger mimics the storage semantics that matter to the sweeper:
// selection flips state under a single lock, so two concurrent sweeps can
// never return the same job.
type memLedger struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemLedger() *memLedger {
	return &memLedger{jobs: map[string]*domain.Job{}}
}

func (m *memLedger) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.JobID] = &cp
	return nil
}

func (m *memLedger) RecordAttempt(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobNotClaimable
	}
	job.Status = domain.JobStatusProcessing
	job.AttemptCount++
	cp := *job
	return &cp, nil
}

func (m *memLedger) RecordSuccess(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = domain.JobStatusCompleted
		job.NextAttemptAt = nil
		return nil
	}
	return domain.ErrJobNotFound
}

func (m *memLedger) RecordFailure(ctx context.Context, jobID string, procErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = domain.JobStatusFailed
		return nil
	}
	return domain.ErrJobNotFound
}

func (m *memLedger) SelectForRetry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.Job
	for _, job := range m.jobs {
		if job.Status == domain.JobStatusFailed && job.NextAttemptAt != nil && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobStatusPending
		job.NextAttemptAt = nil
		ids = append(ids, job.JobID)
	}
	return ids, nil
}

func (m *memLedger) ResetStalePending(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, job := range m.jobs {
		if len(ids) >= limit {
			break
		}
		if job.Status == domain.JobStatusPending && job.UpdatedAt.Before(cutoff) {
			job.UpdatedAt = time.Now().UTC()
			ids = append(ids, job.JobID)
		}
	}
	return ids, nil
}

func (m *memLedger) ResetStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, job := range m.jobs {
		if len(ids) >= limit {
			break
		}
		if job.Status != domain.JobStatusProcessing || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		job.UpdatedAt = time.Now().UTC()
		job.NextAttemptAt = nil
		if job.AttemptCount < job.MaxAttempts {
			job.Status = domain.JobStatusPending
			ids = append(ids, job.JobID)
		} else {
			job.Status = domain.JobStatusFailed
		}
	}
	return ids, nil
}

func (m *memLedger) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, domain.ErrJobNotFound
}

func (m *memLedger) ListJobs(ctx context.Context, filter ledger.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (q *memQueue) Enqueue(ctx context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *memQueue) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

func failedJob(jobID string, due time.Time) *domain.Job {
	return &domain.Job{
		JobID:         jobID,
		Status:        domain.JobStatusFailed,
		NextAttemptAt: &due,
		UpdatedAt:     time.Now().UTC(),
	}
}

func newTestSweeper(store ledger.Store, q queue.Enqueuer) *Sweeper {
	return New(store, q, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSweepEnqueuesDueJobsOldestFirst(t *testing.T) {
	store := newMemLedger()
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), failedJob("j-new", now.Add(-time.Minute))))
	require.NoError(t, store.Create(context.Background(), failedJob("j-old", now.Add(-time.Hour))))
	require.NoError(t, store.Create(context.Background(), failedJob("j-mid", now.Add(-10*time.Minute))))

	q := &memQueue{}
	n, err := newTestSweeper(store, q).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"j-old", "j-mid", "j-new"}, q.all())

	for _, id := range []string{"j-old", "j-mid", "j-new"} {
		job, err := store.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, job.Status)
	}
}

func TestSweepSkipsFutureAndTerminalJobs(t *testing.T) {
	store := newMemLedger()
	now := time.Now().UTC()

	require.NoError(t, store.Create(context.Background(), failedJob("j-due", now.Add(-time.Minute))))
	require.NoError(t, store.Create(context.Background(), failedJob("j-future", now.Add(time.Hour))))
	// exhausted: FAILED with no scheduled next attempt
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:     "j-exhausted",
		Status:    domain.JobStatusFailed,
		UpdatedAt: now,
	}))
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:     "j-done",
		Status:    domain.JobStatusCompleted,
		UpdatedAt: now,
	}))

	q := &memQueue{}
	n, err := newTestSweeper(store, q).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"j-due"}, q.all())
}

func TestSweepReenqueuesStalePending(t *testing.T) {
	store := newMemLedger()
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:     "j-stale",
		Status:    domain.JobStatusPending,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:     "j-fresh",
		Status:    domain.JobStatusPending,
		UpdatedAt: time.Now().UTC(),
	}))

	q := &memQueue{}
	n, err := newTestSweeper(store, q).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"j-stale"}, q.all())

	// the stamp from the first pass keeps it out of an immediate second pass
	q2 := &memQueue{}
	n, err = newTestSweeper(store, q2).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q2.all())
}

func TestSweepRecoversAbandonedProcessingJob(t *testing.T) {
	store := newMemLedger()
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:       "j-abandoned",
		Status:      domain.JobStatusPending,
		MaxAttempts: 3,
		UpdatedAt:   time.Now().UTC().Add(-time.Hour),
	}))

	// worker claims the job and dies before recording an outcome
	_, err := store.RecordAttempt(context.Background(), "j-abandoned")
	require.NoError(t, err)

	// broker redelivery cannot claim a PROCESSING job
	_, err = store.RecordAttempt(context.Background(), "j-abandoned")
	require.ErrorIs(t, err, domain.ErrJobNotClaimable)

	q := &memQueue{}
	n, err := newTestSweeper(store, q).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"j-abandoned"}, q.all())

	job, err := store.GetJob(context.Background(), "j-abandoned")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
}

func TestSweepFailsAbandonedJobWithNoAttemptsLeft(t *testing.T) {
	store := newMemLedger()
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:        "j-exhausted",
		Status:       domain.JobStatusProcessing,
		AttemptCount: 3,
		MaxAttempts:  3,
		UpdatedAt:    time.Now().UTC().Add(-time.Hour),
	}))

	q := &memQueue{}
	n, err := newTestSweeper(store, q).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.all())

	job, err := store.GetJob(context.Background(), "j-exhausted")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Nil(t, job.NextAttemptAt)
	assert.True(t, job.Terminal())
}

func TestConcurrentSweepsEnqueueEachJobOnce(t *testing.T) {
	store := newMemLedger()
	now := time.Now().UTC()
	for i := 0; i < 50; i++ {
		due := now.Add(-time.Duration(i+1) * time.Minute)
		require.NoError(t, store.Create(context.Background(), failedJob(fmt.Sprintf("j-%02d", i), due)))
	}

	q := &memQueue{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := newTestSweeper(store, q).Sweep(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, id := range q.all() {
		seen[id]++
	}
	assert.Len(t, seen, 50)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "job %s enqueued %d times", id, count)
	}
}

func TestSweepSurvivesEnqueueFailure(t *testing.T) {
	store := newMemLedger()
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), failedJob("j-1", now.Add(-time.Minute))))

	q := &memQueue{err: errors.New("broker unavailable")}
	n, err := newTestSweeper(store, q).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// the job is PENDING now; the stale scan of a later pass recovers it
	job, err := store.GetJob(context.Background(), "j-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
}
