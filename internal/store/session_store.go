package store

import (
	"path/filepath"
	"sync"

	"cipherline/internal/domain"
)

const sessionFilename = "session.json"

// SessionFileStore persists the authenticated session to disk.
type SessionFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewSessionFileStore returns a SessionFileStore rooted at dir.
func NewSessionFileStore(dir string) *SessionFileStore {
	return &SessionFileStore{dir: dir}
}

// SaveSession replaces the stored session.
func (s *SessionFileStore) SaveSession(session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeJSON(filepath.Join(s.dir, sessionFilename), session, 0o600)
}

// LoadSession returns the stored session, if any.
func (s *SessionFileStore) LoadSession() (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session domain.Session
	if err := readJSON(filepath.Join(s.dir, sessionFilename), &session); err != nil {
		return domain.Session{}, false, err
	}
	if session.Token == "" {
		return domain.Session{}, false, nil
	}
	return session, true, nil
}

// DeleteSession removes the stored session. Missing is fine.
func (s *SessionFileStore) DeleteSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return removeFile(filepath.Join(s.dir, sessionFilename))
}

// Compile-time assertion that SessionFileStore implements domain.SessionStore.
var _ domain.SessionStore = (*SessionFileStore)(nil)
