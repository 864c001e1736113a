package handler

import (
	"log/slog"

	"github.com/chatline/chatline-be/internal/ledger"
	"github.com/chatline/chatline-be/internal/queue"
	"github.com/chatline/chatline-be/internal/sweeper"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Ledger      ledger.Store
	Enqueuer    queue.Enqueuer
	Sweeper     *sweeper.Sweeper
	MaxAttempts int
}
