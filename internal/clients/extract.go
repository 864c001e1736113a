package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"
)

// ExtractConfig holds document/image extraction service settings.
type ExtractConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ExtractClient sends documents (PDF) or images to the extraction service
// and returns the extracted text.
type ExtractClient struct {
	config     ExtractConfig
	httpClient *http.Client
}

// NewExtractClient creates a new ExtractClient.
func NewExtractClient(config ExtractConfig) *ExtractClient {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	return &ExtractClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Extract uploads the document bytes and returns the extracted text.
func (c *ExtractClient) Extract(ctx context.Context, doc []byte, filename string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := part.Write(doc); err != nil {
		return "", fmt.Errorf("failed to write document to form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart form: %w", err)
	}

	url := c.config.BaseURL + "/documents/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build extraction request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyNetErr("extraction", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("extraction", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", classifyNetErr("extraction decode", err)
	}

	return result.Text, nil
}
