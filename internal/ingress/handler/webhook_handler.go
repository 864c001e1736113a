package handler

import (
	"log/slog"
	"net/http"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/internal/ingress/dto"
	"github.com/chatline/chatline-be/internal/ledger"
	"github.com/chatline/chatline-be/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WebhookHandler accepts provider event deliveries and turns each message
// into a durable job.
type WebhookHandler struct {
	logger      *slog.Logger
	ledger      ledger.Store
	enqueuer    queue.Enqueuer
	maxAttempts int
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:      deps.Logger,
		ledger:      deps.Ledger,
		enqueuer:    deps.Enqueuer,
		maxAttempts: deps.MaxAttempts,
	}
}

// HandleEvents handles POST /webhook/events
// Each message in the envelope becomes one PENDING job; the response is
// returned as soon as all jobs are recorded, before any processing happens.
func (h *WebhookHandler) HandleEvents(c *gin.Context) {
	var req dto.WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid webhook body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if len(req.Messages) == 0 {
		// status updates, presence changes and other non-message webhooks
		h.logger.Debug("Webhook without messages, ignoring",
			slog.String("channel_id", req.ChannelID),
		)
		c.JSON(http.StatusOK, dto.WebhookResponse{})
		return
	}

	accepted, skipped := 0, 0
	for _, raw := range req.Messages {
		event, err := domain.ParseInboundEvent(raw)
		if err != nil {
			h.logger.Warn("Skipping unparseable webhook message",
				slog.String("error", err.Error()),
			)
			skipped++
			continue
		}

		if event.ID == "" {
			h.logger.Warn("Skipping webhook message without id")
			skipped++
			continue
		}

		contentType, ok := domain.NormalizeContentType(event.Type)
		if !ok {
			h.logger.Info("Skipping unsupported message type",
				slog.String("external_id", event.ID),
				slog.String("type", event.Type),
			)
			skipped++
			continue
		}

		job := &domain.Job{
			JobID:       uuid.New().String(),
			ExternalID:  event.ID,
			ContentType: contentType,
			Payload:     string(raw),
			Status:      domain.JobStatusPending,
			MaxAttempts: h.maxAttempts,
		}

		if err := h.ledger.Create(c.Request.Context(), job); err != nil {
			h.logger.Error("Failed to record job",
				slog.String("external_id", event.ID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to record event",
			})
			return
		}

		// an enqueue failure is tolerable here: the job is PENDING in the
		// ledger and the sweeper's stale scan re-enqueues it
		if err := h.enqueuer.Enqueue(c.Request.Context(), job.JobID, 0); err != nil {
			h.logger.Error("Failed to enqueue job, sweeper will recover it",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}

		h.logger.Info("Accepted inbound event",
			slog.String("job_id", job.JobID),
			slog.String("external_id", event.ID),
			slog.String("content_type", string(contentType)),
		)
		accepted++
	}

	c.JSON(http.StatusOK, dto.WebhookResponse{
		Accepted: accepted,
		Skipped:  skipped,
	})
}
