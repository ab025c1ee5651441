package store

import (
	"slices"
	"sync"

	"cipherline/internal/domain"
	"cipherline/internal/protocol/ratchet"
)

// Memory implements every store interface in process memory. Nothing
// survives a restart; it backs tests and ephemeral clients.
type Memory struct {
	mu            sync.Mutex
	identity      *domain.Identity
	passphrase    string
	signed        map[domain.SignedPreKeyID]domain.SignedPreKeyPair
	currentSigned domain.SignedPreKeyID
	oneTime       map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair
	consumed      map[domain.PrincipalID]map[domain.X25519Public]struct{}
	session       *domain.Session
	conversations map[domain.ConversationID]domain.Conversation
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		signed:        map[domain.SignedPreKeyID]domain.SignedPreKeyPair{},
		oneTime:       map[domain.OneTimePreKeyID]domain.OneTimePreKeyPair{},
		consumed:      map[domain.PrincipalID]map[domain.X25519Public]struct{}{},
		conversations: map[domain.ConversationID]domain.Conversation{},
	}
}

// SaveIdentity keeps id together with the passphrase that unlocks it.
func (m *Memory) SaveIdentity(passphrase string, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity, m.passphrase = &id, passphrase
	return nil
}

// LoadIdentity returns the identity if passphrase matches.
func (m *Memory) LoadIdentity(passphrase string) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return domain.Identity{}, ErrNoIdentity
	}
	if passphrase != m.passphrase {
		return domain.Identity{}, ErrWrongPassphrase
	}
	return *m.identity, nil
}

func (m *Memory) SaveSignedPreKey(pair domain.SignedPreKeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signed[pair.ID] = pair
	return nil
}

func (m *Memory) LoadSignedPreKey(id domain.SignedPreKeyID) (domain.SignedPreKeyPair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.signed[id]
	return p, ok, nil
}

func (m *Memory) SetCurrentSignedPreKeyID(id domain.SignedPreKeyID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentSigned = id
	return nil
}

func (m *Memory) CurrentSignedPreKeyID() (domain.SignedPreKeyID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSigned, m.currentSigned != "", nil
}

func (m *Memory) SaveOneTimePreKeys(pairs []domain.OneTimePreKeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pairs {
		m.oneTime[p.ID] = p
	}
	return nil
}

func (m *Memory) LoadOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKeyPair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.oneTime[id]
	return p, ok, nil
}

// ConsumeOneTimePreKey removes and returns the named one-time pre-key.
func (m *Memory) ConsumeOneTimePreKey(id domain.OneTimePreKeyID) (domain.OneTimePreKeyPair, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.oneTime[id]
	delete(m.oneTime, id)
	return p, ok, nil
}

func (m *Memory) ListOneTimePreKeyPublics() ([]domain.OneTimePreKeyPublic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return publics(m.oneTime), nil
}

// MarkConsumed adds pub to peer's set and reports whether it was new.
func (m *Memory) MarkConsumed(peer domain.PrincipalID, pub domain.X25519Public) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.consumed[peer]
	if !ok {
		set = map[domain.X25519Public]struct{}{}
		m.consumed[peer] = set
	}
	if _, dup := set[pub]; dup {
		return false, nil
	}
	set[pub] = struct{}{}
	return true, nil
}

func (m *Memory) IsConsumed(peer domain.PrincipalID, pub domain.X25519Public) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.consumed[peer][pub]
	return ok, nil
}

func (m *Memory) SaveSession(session domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &session
	return nil
}

func (m *Memory) LoadSession() (domain.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.Session{}, false, nil
	}
	return *m.session, true, nil
}

func (m *Memory) DeleteSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

// SaveConversation stores a deep copy so callers cannot alias stored key
// material.
func (m *Memory) SaveConversation(conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv.State = ratchet.Clone(conv.State)
	conv.SeenHandshakes = slices.Clone(conv.SeenHandshakes)
	m.conversations[conv.ID] = conv
	return nil
}

// LoadConversation returns a deep copy of the stored conversation.
func (m *Memory) LoadConversation(id domain.ConversationID) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if ok {
		c.State = ratchet.Clone(c.State)
		c.SeenHandshakes = slices.Clone(c.SeenHandshakes)
	}
	return c, ok, nil
}

func (m *Memory) DeleteConversation(id domain.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	return nil
}

var (
	_ domain.IdentityStore       = (*Memory)(nil)
	_ domain.PreKeyStore         = (*Memory)(nil)
	_ domain.ConsumedPreKeyStore = (*Memory)(nil)
	_ domain.SessionStore        = (*Memory)(nil)
	_ domain.ConversationStore   = (*Memory)(nil)
)
