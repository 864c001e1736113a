package domain

import "time"

// ContentType classifies an inbound message. The set is closed: every
// pipeline dispatch switches over these values exhaustively.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeVoice    ContentType = "voice"
	ContentTypeImage    ContentType = "image"
	ContentTypeVideo    ContentType = "video"
	ContentTypeDocument ContentType = "document"
	ContentTypeAudio    ContentType = "audio"
)

// NormalizeContentType maps provider type tags onto the closed ContentType
// set. The provider reports WhatsApp reels as "short"; they are stored as
// video.
func NormalizeContentType(providerType string) (ContentType, bool) {
	switch providerType {
	case "short":
		return ContentTypeVideo, true
	case "text", "voice", "image", "video", "document", "audio":
		return ContentType(providerType), true
	default:
		return "", false
	}
}

// IsMedia reports whether the content type carries a downloadable attachment.
func (t ContentType) IsMedia() bool {
	return t != ContentTypeText
}

// Origin records who sent the message.
type Origin string

const (
	OriginUser  Origin = "user"
	OriginAgent Origin = "agent"
)

// Message is the normalized record of one inbound event. ExternalID is the
// provider's message id and is globally unique: persisting the same id twice
// must not create a second row.
type Message struct {
	ID               string      `db:"id"`
	ExternalID       string      `db:"external_id"`
	ChatID           string      `db:"chat_id"`
	Origin           Origin      `db:"origin"`
	ContentType      ContentType `db:"content_type"`
	Content          string      `db:"content"`
	MediaURL         *string     `db:"media_url"`
	ExtractedContent *string     `db:"extracted_content"`
	SentAt           time.Time   `db:"sent_at"`
	CreatedAt        time.Time   `db:"created_at"`
}
