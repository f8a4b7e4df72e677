package conversation

import (
	"sync"
	"time"
)

// Document is the most recently ingested document of a chat
type Document struct {
	FileName   string
	Text       string
	IngestedAt time.Time
}

// DocumentStore caches one document per chat. Put replaces any previous document.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[int64]Document
}

// NewDocumentStore creates an empty document store
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[int64]Document)}
}

// Put stores doc for chatID, replacing the previous one
func (s *DocumentStore) Put(chatID int64, doc Document) {
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[chatID] = doc
}

// Get returns the chat's document. ok is false when nothing was ingested
// or the stored text is empty.
func (s *DocumentStore) Get(chatID int64) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[chatID]
	if !ok || doc.Text == "" {
		return Document{}, false
	}
	return doc, true
}

// Delete forgets the chat's document
func (s *DocumentStore) Delete(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, chatID)
}
