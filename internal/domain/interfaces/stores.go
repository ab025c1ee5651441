package interfaces

import domaintypes "cipherline/internal/domain/types"

// IdentityStore persists your long-term identity keys.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}

// PreKeyStore manages signed and one-time pre-keys.
type PreKeyStore interface {
	// Signed pre-keys. Older ones stay loadable after rotation.
	SaveSignedPreKey(pair domaintypes.SignedPreKeyPair) error
	LoadSignedPreKey(id domaintypes.SignedPreKeyID) (domaintypes.SignedPreKeyPair, bool, error)
	SetCurrentSignedPreKeyID(id domaintypes.SignedPreKeyID) error
	CurrentSignedPreKeyID() (domaintypes.SignedPreKeyID, bool, error)

	// One-time pre-keys
	SaveOneTimePreKeys(pairs []domaintypes.OneTimePreKeyPair) error
	LoadOneTimePreKey(id domaintypes.OneTimePreKeyID) (domaintypes.OneTimePreKeyPair, bool, error)
	ConsumeOneTimePreKey(id domaintypes.OneTimePreKeyID) (domaintypes.OneTimePreKeyPair, bool, error)
	ListOneTimePreKeyPublics() ([]domaintypes.OneTimePreKeyPublic, error)
}

// ConsumedPreKeyStore remembers peer one-time pre-keys already used to
// open a session, so a replayed bundle is refused.
type ConsumedPreKeyStore interface {
	// MarkConsumed adds pub to peer's set and reports whether it was new.
	// Check and insert are one atomic step.
	MarkConsumed(peer domaintypes.PrincipalID, pub domaintypes.X25519Public) (bool, error)
	IsConsumed(peer domaintypes.PrincipalID, pub domaintypes.X25519Public) (bool, error)
}

// SessionStore persists the authenticated session of this device.
type SessionStore interface {
	SaveSession(session domaintypes.Session) error
	LoadSession() (domaintypes.Session, bool, error)
	DeleteSession() error
}

// ConversationStore keeps per-conversation Double-Ratchet state.
type ConversationStore interface {
	SaveConversation(conversation domaintypes.Conversation) error
	LoadConversation(id domaintypes.ConversationID) (domaintypes.Conversation, bool, error)
	DeleteConversation(id domaintypes.ConversationID) error
}
