package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"

	"cipherline/internal/domain"
)

const (
	idFilename = "identity.json.enc"
	idLabel    = "cipherline-identity"
)

// ErrNoIdentity is returned by LoadIdentity before one has been generated.
var ErrNoIdentity = errors.New("no identity; run init first")

// IdentityFileStore persists the local identity to disk, sealed under a
// passphrase.
type IdentityFileStore struct {
	dir string
	kdf kdfParams
	mu  sync.Mutex
}

// NewIdentityFileStore returns an IdentityFileStore rooted at dir.
func NewIdentityFileStore(dir string) *IdentityFileStore {
	return &IdentityFileStore{dir: dir, kdf: defaultKDF}
}

// SaveIdentity writes the encrypted identity to disk.
func (s *IdentityFileStore) SaveIdentity(passphrase string, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	sealed, err := seal(passphrase, idLabel, raw, s.kdf)
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, idFilename), sealed, 0o600)
}

// LoadIdentity reads and decrypts the identity.
func (s *IdentityFileStore) LoadIdentity(passphrase string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(filepath.Join(s.dir, idFilename))
	if err != nil {
		return domain.Identity{}, err
	}
	if b == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	pt, err := unseal(passphrase, idLabel, b)
	if err != nil {
		return domain.Identity{}, err
	}
	var id domain.Identity
	if err := json.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// Compile-time assertion that IdentityFileStore implements domain.IdentityStore.
var _ domain.IdentityStore = (*IdentityFileStore)(nil)
