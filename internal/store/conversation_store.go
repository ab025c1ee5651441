package store

import (
	"path/filepath"
	"sync"

	"cipherline/internal/domain"
)

const convFilename = "conversations.json"

// ConversationFileStore persists per-conversation Double-Ratchet state to disk.
type ConversationFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewConversationFileStore returns a ConversationFileStore rooted at dir.
func NewConversationFileStore(dir string) *ConversationFileStore {
	return &ConversationFileStore{dir: dir}
}

func (s *ConversationFileStore) all() (map[domain.ConversationID]domain.Conversation, error) {
	m := map[domain.ConversationID]domain.Conversation{}
	return m, readJSON(filepath.Join(s.dir, convFilename), &m)
}

// SaveConversation writes conv under its id.
func (s *ConversationFileStore) SaveConversation(conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.all()
	if err != nil {
		return err
	}
	m[conv.ID] = conv
	return writeJSON(filepath.Join(s.dir, convFilename), m, 0o600)
}

// LoadConversation retrieves the conversation with the given id.
func (s *ConversationFileStore) LoadConversation(id domain.ConversationID) (domain.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.all()
	if err != nil {
		return domain.Conversation{}, false, err
	}
	c, ok := m[id]
	return c, ok, nil
}

// DeleteConversation forgets the conversation with the given id.
func (s *ConversationFileStore) DeleteConversation(id domain.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.all()
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return nil
	}
	delete(m, id)
	return writeJSON(filepath.Join(s.dir, convFilename), m, 0o600)
}

// Compile-time assertion that ConversationFileStore implements domain.ConversationStore.
var _ domain.ConversationStore = (*ConversationFileStore)(nil)
