package types

import "time"

// SignedPreKeyPair is the full signed pre-key stored locally.
type SignedPreKeyPair struct {
	ID        SignedPreKeyID `json:"id"`
	Priv      X25519Private  `json:"priv"`
	Pub       X25519Public   `json:"pub"`
	Signature []byte         `json:"signature"`
	CreatedAt time.Time      `json:"created_at"`
}

// OneTimePreKeyPair is the full (private+public) one-time pre-key stored locally.
type OneTimePreKeyPair struct {
	ID   OneTimePreKeyID `json:"id"`
	Priv X25519Private   `json:"priv"`
	Pub  X25519Public    `json:"pub"`
}

// OneTimePreKeyPublic is only the public half (sent in bundles).
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// PreKeyBundle is the set of public keys a device publishes so that others
// can open a session with it. OneTimePreKey is optional; a bundle without
// one only supports degraded sessions.
type PreKeyBundle struct {
	PrincipalID           PrincipalID          `json:"principal_id"`
	IdentityKey           X25519Public         `json:"identity_key"`
	SigningKey            Ed25519Public        `json:"signing_key"`
	SignedPreKeyID        SignedPreKeyID       `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public         `json:"signed_pre_key"`
	SignedPreKeySignature []byte               `json:"signed_pre_key_signature"`
	OneTimePreKey         *OneTimePreKeyPublic `json:"one_time_pre_key,omitempty"`
}

// PreKeyMessage carries the X3DH handshake parameters in the initiator's
// envelopes until the responder answers.
type PreKeyMessage struct {
	_                    struct{}        `cbor:",toarray"`
	InitiatorID          PrincipalID     `json:"initiator_id"`
	InitiatorIdentityKey X25519Public    `json:"initiator_identity_key"`
	EphemeralKey         X25519Public    `json:"ephemeral_key"`
	SignedPreKeyID       SignedPreKeyID  `json:"signed_pre_key_id"`
	OneTimePreKeyID      OneTimePreKeyID `json:"one_time_pre_key_id,omitempty"`
}
