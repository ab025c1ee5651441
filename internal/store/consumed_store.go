package store

import (
	"encoding/hex"
	"path/filepath"
	"slices"
	"sync"

	"cipherline/internal/domain"
)

const consumedFile = "consumed_prekeys.json"

// ConsumedFileStore records peer one-time pre-keys this device has already
// used to open a session.
type ConsumedFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewConsumedFileStore returns a ConsumedFileStore rooted at dir.
func NewConsumedFileStore(dir string) *ConsumedFileStore {
	return &ConsumedFileStore{dir: dir}
}

// MarkConsumed adds pub to peer's consumed set. It returns false, and
// writes nothing, when pub was already there.
func (s *ConsumedFileStore) MarkConsumed(peer domain.PrincipalID, pub domain.X25519Public) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, consumedFile)
	m := map[domain.PrincipalID][]string{}
	if err := readJSON(path, &m); err != nil {
		return false, err
	}
	key := hex.EncodeToString(pub[:])
	if slices.Contains(m[peer], key) {
		return false, nil
	}
	m[peer] = append(m[peer], key)
	if err := writeJSON(path, m, 0o600); err != nil {
		return false, err
	}
	return true, nil
}

// IsConsumed reports whether pub was already used with peer.
func (s *ConsumedFileStore) IsConsumed(peer domain.PrincipalID, pub domain.X25519Public) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := map[domain.PrincipalID][]string{}
	if err := readJSON(filepath.Join(s.dir, consumedFile), &m); err != nil {
		return false, err
	}
	return slices.Contains(m[peer], hex.EncodeToString(pub[:])), nil
}

var _ domain.ConsumedPreKeyStore = (*ConsumedFileStore)(nil)
