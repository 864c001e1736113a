// Package messages persists normalized message records. The external id is
// the dedup boundary: at-least-once delivery upstream means the same message
// can arrive twice, and only the first insert may create a row.
package messages

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/chatline/chatline-be/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Store persists normalized messages.
type Store interface {
	// Upsert inserts the message, or backfills media_url, content and
	// extracted_content on an existing row with the same external id.
	// Returns created=false when the row already existed.
	Upsert(ctx context.Context, msg *domain.Message) (created bool, err error)

	// GetByExternalID fetches a message by its provider id.
	GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error)
}

// Storage is the PostgreSQL implementation of Store.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Upsert relies on the unique index on external_id. A conflicting insert
// backfills the processing-derived columns and leaves everything else
// untouched; xmax = 0 distinguishes a fresh insert from a conflict update.
func (s *Storage) Upsert(ctx context.Context, msg *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (
			id, external_id, chat_id, origin, content_type,
			content, media_url, extracted_content, sent_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (external_id) DO UPDATE
		SET media_url         = COALESCE(EXCLUDED.media_url, messages.media_url),
		    content           = COALESCE(NULLIF(EXCLUDED.content, ''), messages.content),
		    extracted_content = COALESCE(EXCLUDED.extracted_content, messages.extracted_content)
		RETURNING (xmax = 0)
	`

	var created bool
	err := s.db.QueryRowContext(ctx, query,
		msg.ID,
		msg.ExternalID,
		msg.ChatID,
		msg.Origin,
		msg.ContentType,
		msg.Content,
		msg.MediaURL,
		msg.ExtractedContent,
		msg.SentAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert message: %w", err)
	}

	if created {
		s.logger.Info("Message persisted",
			slog.String("external_id", msg.ExternalID),
			slog.String("content_type", string(msg.ContentType)),
		)
	} else {
		s.logger.Info("Message already exists, backfilled processing results",
			slog.String("external_id", msg.ExternalID),
		)
	}

	return created, nil
}

func (s *Storage) GetByExternalID(ctx context.Context, externalID string) (*domain.Message, error) {
	var msg domain.Message
	query := `
		SELECT id, external_id, chat_id, origin, content_type,
		       content, media_url, extracted_content, sent_at, created_at
		FROM messages
		WHERE external_id = $1
	`

	err := s.db.GetContext(ctx, &msg, query, externalID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message %s not found", externalID)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}
