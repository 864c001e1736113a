package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishBackoffUsesConfiguredMultiplier(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		name    string
		mult    float64
		attempt int
		want    time.Duration
	}{
		{"first retry waits the base delay", 2.0, 0, 100 * time.Millisecond},
		{"doubling multiplier", 2.0, 2, 400 * time.Millisecond},
		{"non-default multiplier", 3.0, 2, 900 * time.Millisecond},
		{"fractional multiplier", 1.5, 1, 150 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publishBackoff(base, tt.mult, tt.attempt))
		})
	}
}
