package store

import (
	"path/filepath"
	"sort"
	"sync"

	"cipherline/internal/domain"
)

const (
	spkPairsFile   = "spk_pairs.json"
	opkPairsFile   = "opk_pairs.json"
	prekeyMetaFile = "prekey_meta.json"
)

// PreKeyFileStore persists Signed Pre-Key and One-Time Pre-Key state to disk.
type PreKeyFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewPreKeyFileStore returns a PreKeyFileStore rooted at dir.
func NewPreKeyFileStore(dir string) *PreKeyFileStore {
	return &PreKeyFileStore{dir: dir}
}

type prekeyMeta struct {
	CurrentSignedPreKeyID domain.SignedPreKeyID `json:"current_signed_pre_key_id"`
}

func (s *PreKeyFileStore) signed() (map[domain.SignedPreKeyID]domain.SignedPreKeyPair, error) {
	m := map[domain.SignedPreKeyID]domain.SignedPreKeyPair{}
	return m, readJSON(filepath.Join(s.dir, spkPairsFile), &m)
}

func (s *PreKeyFileStore) oneTime() (map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair, error) {
	m := map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{}
	return m, readJSON(filepath.Join(s.dir, opkPairsFile), &m)
}

// SaveSignedPreKey stores a signed pre-key by id. Earlier ones are kept.
func (s *PreKeyFileStore) SaveSignedPreKey(pair domain.SignedPreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.signed()
	if err != nil {
		return err
	}
	m[pair.ID] = pair
	return writeJSON(filepath.Join(s.dir, spkPairsFile), m, 0o600)
}

// LoadSignedPreKey retrieves a signed pre-key by id.
func (s *PreKeyFileStore) LoadSignedPreKey(id domain.SignedPreKeyID) (domain.SignedPreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.signed()
	if err != nil {
		return domain.SignedPreKeyPair{}, false, err
	}
	p, ok := m[id]
	return p, ok, nil
}

// SetCurrentSignedPreKeyID records which signed pre-key id is current.
func (s *PreKeyFileStore) SetCurrentSignedPreKeyID(id domain.SignedPreKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := prekeyMeta{CurrentSignedPreKeyID: id}
	return writeJSON(filepath.Join(s.dir, prekeyMetaFile), meta, 0o600)
}

// CurrentSignedPreKeyID returns the recorded current signed pre-key id.
func (s *PreKeyFileStore) CurrentSignedPreKeyID() (domain.SignedPreKeyID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta prekeyMeta
	if err := readJSON(filepath.Join(s.dir, prekeyMetaFile), &meta); err != nil {
		return "", false, err
	}
	return meta.CurrentSignedPreKeyID, meta.CurrentSignedPreKeyID != "", nil
}

// SaveOneTimePreKeys merges the provided one-time pre-key pairs into the store.
func (s *PreKeyFileStore) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.oneTime()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		m[p.ID] = p
	}
	return writeJSON(filepath.Join(s.dir, opkPairsFile), m, 0o600)
}

// LoadOneTimePreKey returns a one-time pre-key without consuming it.
func (s *PreKeyFileStore) LoadOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.oneTime()
	if err != nil {
		return domain.OneTimePreKeyPair{}, false, err
	}
	p, ok := m[id]
	return p, ok, nil
}

// ConsumeOneTimePreKey removes and returns a single one-time pre-key by id.
func (s *PreKeyFileStore) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.oneTime()
	if err != nil {
		return domain.OneTimePreKeyPair{}, false, err
	}
	p, ok := m[id]
	if !ok {
		return domain.OneTimePreKeyPair{}, false, nil
	}
	delete(m, id)
	if err := writeJSON(filepath.Join(s.dir, opkPairsFile), m, 0o600); err != nil {
		return domain.OneTimePreKeyPair{}, false, err
	}
	return p, true, nil
}

// ListOneTimePreKeyPublics exposes only the public halves, ordered by id.
func (s *PreKeyFileStore) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.oneTime()
	if err != nil {
		return nil, err
	}
	return publics(m), nil
}

func publics(m map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair) []domain.OneTimePreKeyPublic {
	out := make([]domain.OneTimePreKeyPublic, 0, len(m))
	for id, p := range m {
		out = append(out, domain.OneTimePreKeyPublic{ID: id, Pub: p.Pub})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Compile-time assertion that PreKeyFileStore implements domain.PreKeyStore.
var _ domain.PreKeyStore = (*PreKeyFileStore)(nil)
