package storage

import (
	"context"

	"gptbot/internal/models"
)

// Storage defines the interface for the interaction log
type Storage interface {
	// RecordInteraction appends one handled update to the log
	RecordInteraction(ctx context.Context, i models.Interaction) error

	// RecentInteractions returns up to limit entries for chatID, newest first
	RecentInteractions(ctx context.Context, chatID int64, limit int) ([]models.Interaction, error)

	// Lifecycle
	Initialize(ctx context.Context) error
	Close() error
}
