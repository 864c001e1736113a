package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/ingress/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticLedger serves a single fixed job row.
type staticLedger struct {
	recordingLedger
	job *domain.Job
}

func (s *staticLedger) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if s.job != nil && s.job.JobID == jobID {
		cp := *s.job
		return &cp, nil
	}
	return nil, domain.ErrJobNotFound
}

func getJob(t *testing.T, h *JobHandler, jobID string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	c.Params = gin.Params{{Key: "job_id", Value: jobID}}

	h.GetJob(c)
	return rec
}

func TestGetJobReportsExhaustedJobAsTerminal(t *testing.T) {
	lastErr := "transcription: unexpected status 401"
	store := &staticLedger{job: &domain.Job{
		JobID:        "3f1d9b04-7a52-4c9e-9a67-2f8f6f1f0a11",
		ExternalID:   "m1",
		ContentType:  domain.ContentTypeVoice,
		Status:       domain.JobStatusFailed,
		AttemptCount: 3,
		MaxAttempts:  3,
		LastError:    &lastErr,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}}
	h := NewJobHandler(&Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Ledger: store,
	})

	rec := getJob(t, h, store.job.JobID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.True(t, got.Terminal)
	assert.Nil(t, got.NextAttemptAt)
}

func TestJobToDTOTerminal(t *testing.T) {
	next := time.Now().UTC().Add(time.Hour)

	tests := []struct {
		name string
		job  domain.Job
		want bool
	}{
		{"pending", domain.Job{Status: domain.JobStatusPending}, false},
		{"processing", domain.Job{Status: domain.JobStatusProcessing}, false},
		{"failed with retry scheduled", domain.Job{Status: domain.JobStatusFailed, NextAttemptAt: &next}, false},
		{"failed exhausted", domain.Job{Status: domain.JobStatusFailed}, true},
		{"completed", domain.Job{Status: domain.JobStatusCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobToDTO(&tt.job).Terminal)
		})
	}
}
