package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/ingress/dto"
	"github.com/chatline/chatline-be/internal/ledger"
	"github.com/chatline/chatline-be/internal/sweeper"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobHandler serves the operator endpoints over the job ledger.
type JobHandler struct {
	logger  *slog.Logger
	ledger  ledger.Store
	sweeper *sweeper.Sweeper
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		ledger:  deps.Ledger,
		sweeper: deps.Sweeper,
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.ledger.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := ledger.JobFilter{
		Status:      req.Status,
		ContentType: req.ContentType,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	}

	jobs, err := h.ledger.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = jobToDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&ledger.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RetrySweep handles POST /api/v1/jobs/retry
// Runs one sweep pass immediately instead of waiting for the interval.
func (h *JobHandler) RetrySweep(c *gin.Context) {
	n, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.logger.Error("Manual sweep failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Sweep failed",
		})
		return
	}

	h.logger.Info("Manual sweep completed", slog.Int("reenqueued", n))
	c.JSON(http.StatusOK, dto.RetrySweepResponse{Reenqueued: n})
}

func jobToDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:        job.JobID,
		ExternalID:   job.ExternalID,
		ContentType:  string(job.ContentType),
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		Terminal:     job.Terminal(),
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.NextAttemptAt != nil {
		next := job.NextAttemptAt.Format(time.RFC3339)
		d.NextAttemptAt = &next
	}
	return d
}
