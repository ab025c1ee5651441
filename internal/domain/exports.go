package domain

import (
	interfaces "cipherline/internal/domain/interfaces"
	types "cipherline/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	PrincipalID         = types.PrincipalID
	PrincipalKind       = types.PrincipalKind
	Fingerprint         = types.Fingerprint
	SignedPreKeyID      = types.SignedPreKeyID
	OneTimePreKeyID     = types.OneTimePreKeyID
	ConversationID      = types.ConversationID
	Handle              = types.Handle
	Identity            = types.Identity
	SignedPreKeyPair    = types.SignedPreKeyPair
	OneTimePreKeyPair   = types.OneTimePreKeyPair
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	PreKeyBundle        = types.PreKeyBundle
	PreKeyMessage       = types.PreKeyMessage
	EncryptedEnvelope   = types.EncryptedEnvelope
	Message             = types.Message
	DeliveryReceipt     = types.DeliveryReceipt
	SkippedKey          = types.SkippedKey
	RatchetState        = types.RatchetState
	Conversation        = types.Conversation
	Session             = types.Session
	Credentials         = types.Credentials
	Principal           = types.Principal
	ConnectionState     = types.ConnectionState
	StateChange         = types.StateChange
	Frame               = types.Frame
	FrameType           = types.FrameType
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private
)

// Constants re-exported from the types subpackage.
const (
	PrincipalUser         = types.PrincipalUser
	PrincipalOrganization = types.PrincipalOrganization

	Disconnected = types.Disconnected
	Connecting   = types.Connecting
	Connected    = types.Connected
	Reconnecting = types.Reconnecting
	Closed       = types.Closed

	FrameEnvelope = types.FrameEnvelope
	FrameProbe    = types.FrameProbe
	FrameProbeAck = types.FrameProbeAck
	FrameError    = types.FrameError
)

// DirectConversationID is re-exported from the types subpackage.
func DirectConversationID(a, b PrincipalID) ConversationID {
	return types.DirectConversationID(a, b)
}

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityService     = interfaces.IdentityService
	IdentityStore       = interfaces.IdentityStore
	PreKeyStore         = interfaces.PreKeyStore
	ConsumedPreKeyStore = interfaces.ConsumedPreKeyStore
	SessionStore        = interfaces.SessionStore
	ConversationStore   = interfaces.ConversationStore
	Authenticator       = interfaces.Authenticator
	PrincipalClient     = interfaces.PrincipalClient
	BundleDirectory     = interfaces.BundleDirectory
)
