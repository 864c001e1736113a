// Package clients holds the capability clients the pipeline depends on:
// the messaging provider (media download, message fetch), the object store,
// the transcription service and the document-extraction service. Each call
// carries a timeout and classifies failures as transient or permanent so the
// retry layers can decide what to do.
package clients

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/chatline/chatline-be/internal/domain"
)

// classifyStatus converts an unexpected HTTP status into the error taxonomy:
// 5xx and 429 are transient, other 4xx are permanent.
func classifyStatus(op string, status int) error {
	err := fmt.Errorf("%s: unexpected status %d", op, status)
	if status >= 500 || status == http.StatusTooManyRequests {
		return domain.NewTransientError(err)
	}
	return domain.NewPermanentError(err)
}

// classifyNetErr wraps transport-level failures. Timeouts and connection
// errors are transient; everything else from the HTTP client is as well,
// since a malformed request would have failed before hitting the network.
func classifyNetErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewTransientError(fmt.Errorf("%s: timeout: %w", op, err))
	}
	return domain.NewTransientError(fmt.Errorf("%s: %w", op, err))
}
