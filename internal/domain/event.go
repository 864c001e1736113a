package domain

import "encoding/json"

// MediaObject is the attachment descriptor inside a provider message. Link is
// not always present on webhook deliveries; the media id is the stable
// reference for download.
type MediaObject struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
}

// TextContent is the body of a text message.
type TextContent struct {
	Body string `json:"body"`
}

// InboundEvent is one message as delivered by the provider webhook. The raw
// JSON of this structure is what a job's payload snapshot holds.
type InboundEvent struct {
	ID        string       `json:"id"`
	FromMe    bool         `json:"from_me"`
	Type      string       `json:"type"`
	ChatID    string       `json:"chat_id"`
	Timestamp int64        `json:"timestamp"`
	From      string       `json:"from,omitempty"`
	FromName  string       `json:"from_name,omitempty"`
	Text      *TextContent `json:"text,omitempty"`
	Voice     *MediaObject `json:"voice,omitempty"`
	Image     *MediaObject `json:"image,omitempty"`
	Video     *MediaObject `json:"video,omitempty"`
	Document  *MediaObject `json:"document,omitempty"`
	Audio     *MediaObject `json:"audio,omitempty"`
	Short     *MediaObject `json:"short,omitempty"`
}

// Origin classifies the sender: messages sent through our own channel are
// agent messages, everything else came from the user.
func (e *InboundEvent) Origin() Origin {
	if e.FromMe {
		return OriginAgent
	}
	return OriginUser
}

// Media returns the attachment descriptor for the event's normalized content
// type. Reels arrive under "short" but are stored as video.
func (e *InboundEvent) Media(contentType ContentType) *MediaObject {
	if e.Type == "short" && e.Short != nil {
		return e.Short
	}
	switch contentType {
	case ContentTypeVoice:
		return e.Voice
	case ContentTypeImage:
		return e.Image
	case ContentTypeVideo:
		return e.Video
	case ContentTypeDocument:
		return e.Document
	case ContentTypeAudio:
		return e.Audio
	default:
		return nil
	}
}

// ParseInboundEvent decodes a payload snapshot back into an event.
func ParseInboundEvent(payload []byte) (*InboundEvent, error) {
	var event InboundEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
