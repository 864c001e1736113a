package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/chatline/chatline-be/shared/rabbitmq"
)

// RabbitQueue implements Enqueuer on top of the shared RabbitMQ client.
// Messages are published with persistent delivery mode, so the broker has the
// job on disk before the caller is told success.
type RabbitQueue struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbitQueue creates a new RabbitQueue.
func NewRabbitQueue(client *rabbitmq.Client, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		client: client,
		logger: logger,
	}
}

func (q *RabbitQueue) Enqueue(ctx context.Context, jobID string, delay time.Duration) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if delay > 0 {
		if err := q.client.PublishDelayed(ctx, body, "application/json", delay); err != nil {
			return fmt.Errorf("failed to enqueue job %s with delay: %w", jobID, err)
		}
	} else {
		if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
		}
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.Duration("delay", delay),
	)

	return nil
}
