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

// TranscribeConfig holds transcription service settings.
type TranscribeConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// TranscribeClient sends voice audio to the transcription service and returns
// the transcript text.
type TranscribeClient struct {
	config     TranscribeConfig
	httpClient *http.Client
}

// NewTranscribeClient creates a new TranscribeClient.
func NewTranscribeClient(config TranscribeConfig) *TranscribeClient {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &TranscribeClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Transcribe uploads the audio bytes as a multipart form and returns the text.
func (c *TranscribeClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.ogg")
	if err != nil {
		return "", fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio to form: %w", err)
	}
	if err := writer.WriteField("model", c.config.Model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart form: %w", err)
	}

	url := c.config.BaseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyNetErr("transcription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("transcription", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", classifyNetErr("transcription decode", err)
	}

	return result.Text, nil
}
