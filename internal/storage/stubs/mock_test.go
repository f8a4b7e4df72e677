package stubs

import (
	"context"
	"sync"
	"testing"

	"gptbot/internal/models"
	"gptbot/internal/storage"
)

var _ storage.Storage = (*MockDB)(nil)

func TestMockDB_RecordInteraction(t *testing.T) {
	db := NewMockDB(0)
	ctx := context.Background()

	if err := db.Initialize(ctx); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	err := db.RecordInteraction(ctx, models.Interaction{ChatID: 1, UpdateID: 10, Class: "chat", Status: models.StatusOK})
	if err != nil {
		t.Fatalf("Failed to record interaction: %v", err)
	}

	entries := db.Interactions()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 interaction, got %d", len(entries))
	}
	if entries[0].UpdateID != 10 {
		t.Errorf("Expected update 10, got %d", entries[0].UpdateID)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestMockDB_RingKeepsNewest(t *testing.T) {
	db := NewMockDB(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := db.RecordInteraction(ctx, models.Interaction{ChatID: 1, UpdateID: i}); err != nil {
			t.Fatalf("Failed to record interaction: %v", err)
		}
	}

	entries := db.Interactions()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 interactions, got %d", len(entries))
	}
	for i, want := range []int{3, 4, 5} {
		if entries[i].UpdateID != want {
			t.Errorf("Entry %d: expected update %d, got %d", i, want, entries[i].UpdateID)
		}
	}
}

func TestMockDB_RecentInteractions(t *testing.T) {
	db := NewMockDB(10)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		chatID := int64(1)
		if i%2 == 0 {
			chatID = 2
		}
		_ = db.RecordInteraction(ctx, models.Interaction{ChatID: chatID, UpdateID: i})
	}

	recent, err := db.RecentInteractions(ctx, 2, 2)
	if err != nil {
		t.Fatalf("Failed to get recent interactions: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 interactions, got %d", len(recent))
	}
	if recent[0].UpdateID != 6 || recent[1].UpdateID != 4 {
		t.Errorf("Expected updates [6 4], got [%d %d]", recent[0].UpdateID, recent[1].UpdateID)
	}
}

func TestMockDB_ConcurrentWrites(t *testing.T) {
	db := NewMockDB(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = db.RecordInteraction(ctx, models.Interaction{ChatID: int64(i % 4), UpdateID: i})
		}(i)
	}
	wg.Wait()

	if got := len(db.Interactions()); got != 100 {
		t.Errorf("Expected 100 interactions, got %d", got)
	}
}
