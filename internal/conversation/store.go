package conversation

import (
	"sync"

	"gptbot/internal/models"
)

// DefaultMaxTurns is the number of non-system turns kept per chat when no limit is configured
const DefaultMaxTurns = 40

// Store holds per-chat message history used as LLM context.
//
// The first turn of every conversation is the system persona instruction and is never
// evicted. Individual operations are atomic; callers that need read-modify-append
// sequences to be serialized per chat (the dispatcher) provide that ordering themselves.
type Store struct {
	mu            sync.Mutex
	persona       string
	maxTurns      int
	conversations map[int64]*history
}

type history struct {
	mu    sync.Mutex
	turns []models.Turn
}

// NewStore creates a store seeding new conversations with persona.
// maxTurns bounds retained non-system turns; 0 disables the bound.
func NewStore(persona string, maxTurns int) *Store {
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &Store{
		persona:       persona,
		maxTurns:      maxTurns,
		conversations: make(map[int64]*history),
	}
}

// Persona returns the system instruction new conversations are seeded with
func (s *Store) Persona() string {
	return s.persona
}

func (s *Store) get(chatID int64) *history {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.conversations[chatID]
	if !ok {
		h = &history{turns: s.seed()}
		s.conversations[chatID] = h
	}
	return h
}

func (s *Store) seed() []models.Turn {
	return []models.Turn{{Role: models.RoleSystem, Content: s.persona}}
}

// GetOrCreate returns the conversation for chatID, creating it on first use
func (s *Store) GetOrCreate(chatID int64) []models.Turn {
	return s.Snapshot(chatID)
}

// Append adds a turn to the chat's history, evicting the oldest non-system
// turns once the retention bound is exceeded
func (s *Store) Append(chatID int64, role models.Role, content string) {
	h := s.get(chatID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, models.Turn{Role: role, Content: content})
	if s.maxTurns > 0 && len(h.turns)-1 > s.maxTurns {
		excess := len(h.turns) - 1 - s.maxTurns
		// Shift in place, keeping the system turn at index 0
		n := copy(h.turns[1:], h.turns[1+excess:])
		clear(h.turns[1+n:])
		h.turns = h.turns[:1+n]
	}
}

// Snapshot returns a copy of the chat's turns in insertion order
func (s *Store) Snapshot(chatID int64) []models.Turn {
	h := s.get(chatID)

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns, including the system turn
func (s *Store) Len(chatID int64) int {
	h := s.get(chatID)

	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Reset drops everything but the persona instruction
func (s *Store) Reset(chatID int64) {
	h := s.get(chatID)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = s.seed()
}

// Trim drops the oldest non-system turns until the summed content length fits
// maxChars. The leading system turn and the newest turn are always kept.
// maxChars <= 0 returns turns unchanged.
func Trim(turns []models.Turn, maxChars int) []models.Turn {
	if maxChars <= 0 || len(turns) == 0 {
		return turns
	}

	total := 0
	for _, t := range turns {
		total += len(t.Content)
	}
	if total <= maxChars {
		return turns
	}

	var system []models.Turn
	rest := turns
	if turns[0].Role == models.RoleSystem {
		system = turns[:1]
		rest = turns[1:]
	}

	drop := 0
	for drop < len(rest)-1 && total > maxChars {
		total -= len(rest[drop].Content)
		drop++
	}

	out := make([]models.Turn, 0, len(system)+len(rest)-drop)
	out = append(out, system...)
	out = append(out, rest[drop:]...)
	return out
}
