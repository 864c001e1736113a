package dto

import "encoding/json"

// WebhookRequest is the provider's webhook envelope. Messages carry the raw
// event JSON; everything else is routing metadata.
type WebhookRequest struct {
	Messages  []json.RawMessage `json:"messages"`
	Event     *WebhookEventInfo `json:"event"`
	ChannelID string            `json:"channel_id"`
}

type WebhookEventInfo struct {
	Type  string `json:"type"`
	Event string `json:"event"`
}

type WebhookResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

type ListJobsRequest struct {
	Status      string `form:"status"`
	ContentType string `form:"content_type"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string  `json:"job_id"`
	ExternalID    string  `json:"external_id"`
	ContentType   string  `json:"content_type"`
	Status        string  `json:"status"`
	AttemptCount  int     `json:"attempt_count"`
	MaxAttempts   int     `json:"max_attempts"`
	Terminal      bool    `json:"terminal"`
	LastError     *string `json:"last_error,omitempty"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type RetrySweepResponse struct {
	Reenqueued int `json:"reenqueued"`
}
