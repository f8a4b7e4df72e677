package stubs

import (
	"context"
	"sync"
	"time"

	"gptbot/internal/models"
)

// DefaultCapacity is the number of interactions MockDB keeps
const DefaultCapacity = 10000

// MockDB is an in-memory implementation of the Storage interface.
// It keeps the newest entries up to its capacity.
type MockDB struct {
	mu       sync.RWMutex
	entries  []models.Interaction
	next     int
	full     bool
	capacity int
}

// NewMockDB creates a new in-memory interaction log. capacity <= 0 uses DefaultCapacity.
func NewMockDB(capacity int) *MockDB {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MockDB{
		entries:  make([]models.Interaction, capacity),
		capacity: capacity,
	}
}

// Initialize is a no-op for the in-memory log
func (m *MockDB) Initialize(ctx context.Context) error {
	return nil
}

// RecordInteraction stores i, overwriting the oldest entry when full
func (m *MockDB) RecordInteraction(ctx context.Context, i models.Interaction) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[m.next] = i
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Interactions returns all retained entries, oldest first
func (m *MockDB) Interactions() []models.Interaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.full {
		out := make([]models.Interaction, m.next)
		copy(out, m.entries[:m.next])
		return out
	}
	out := make([]models.Interaction, 0, m.capacity)
	out = append(out, m.entries[m.next:]...)
	out = append(out, m.entries[:m.next]...)
	return out
}

// RecentInteractions returns up to limit entries for chatID, newest first
func (m *MockDB) RecentInteractions(ctx context.Context, chatID int64, limit int) ([]models.Interaction, error) {
	all := m.Interactions()

	var out []models.Interaction
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if all[i].ChatID == chatID {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory log
func (m *MockDB) Close() error {
	return nil
}
