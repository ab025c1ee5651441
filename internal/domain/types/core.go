package types

import "strings"

// PrincipalID identifies an authenticated user or organization.
type PrincipalID string

// String returns the string form of the principal identifier.
func (id PrincipalID) String() string { return string(id) }

// PrincipalKind tells users and organizations apart.
type PrincipalKind string

const (
	PrincipalUser         PrincipalKind = "user"
	PrincipalOrganization PrincipalKind = "organization"
)

// Valid reports whether k is a known principal kind.
func (k PrincipalKind) Valid() bool {
	return k == PrincipalUser || k == PrincipalOrganization
}

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// SignedPreKeyID uniquely identifies a signed pre-key.
type SignedPreKeyID string

// String returns the string form of the identifier.
func (id SignedPreKeyID) String() string { return string(id) }

// OneTimePreKeyID uniquely identifies a one-time pre-key.
type OneTimePreKeyID string

// String returns the string form of the identifier.
func (id OneTimePreKeyID) String() string { return string(id) }

// ConversationID identifies a conversation between an ordered pair of
// participants. It is opaque to the transport.
type ConversationID string

// String returns the string form of the conversation identifier.
func (id ConversationID) String() string { return string(id) }

// DirectConversationID returns the identifier both participants of a
// two-party conversation derive independently.
func DirectConversationID(a, b PrincipalID) ConversationID {
	if b < a {
		a, b = b, a
	}
	return ConversationID(strings.Join([]string{"direct", a.String(), b.String()}, ":"))
}

// Handle is the opaque key of a listener registration.
type Handle string

// String returns the string form of the handle.
func (h Handle) String() string { return string(h) }
