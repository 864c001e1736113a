package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatline/chatline-be/internal/domain"
)

// ProviderConfig holds messaging-platform API settings.
type ProviderConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ProviderClient talks to the messaging platform's REST API. Webhooks carry a
// media id rather than the bytes; the client downloads the attachment and,
// when a webhook arrived without a media object at all, fetches the full
// message as a fallback.
type ProviderClient struct {
	config     ProviderConfig
	httpClient *http.Client
}

// NewProviderClient creates a new ProviderClient.
func NewProviderClient(config ProviderConfig) *ProviderClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &ProviderClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Download fetches a media attachment by id. Returns the raw bytes and the
// content type reported by the provider.
func (c *ProviderClient) Download(ctx context.Context, mediaID string) ([]byte, string, error) {
	url := fmt.Sprintf("%s/media/%s", c.config.BaseURL, mediaID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyNetErr("media download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus("media download", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", classifyNetErr("media download read", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return body, contentType, nil
}

// FetchMessage fetches the full message object by its provider id. Used when
// a webhook payload is missing the media object, which the provider's API
// copy always includes.
func (c *ProviderClient) FetchMessage(ctx context.Context, messageID string) (*domain.InboundEvent, error) {
	url := fmt.Sprintf("%s/messages/%s", c.config.BaseURL, messageID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build message request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyNetErr("message fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("message fetch", resp.StatusCode)
	}

	var event domain.InboundEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		return nil, classifyNetErr("message fetch decode", err)
	}

	return &event, nil
}
