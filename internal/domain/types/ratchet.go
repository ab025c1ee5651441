package types

import "time"

// SkippedKey is a cached message key for a message that has not arrived yet.
type SkippedKey struct {
	RatchetPublic X25519Public `json:"ratchet_pub"`
	Counter       uint32       `json:"n"`
	Key           []byte       `json:"key"`
}

// RatchetState contains all fields the Double Ratchet needs to track.
// Skipped is kept in insertion order and bounded by the engine's skip budget.
type RatchetState struct {
	RootKey         []byte         `json:"root_key"`
	SendingPriv     X25519Private  `json:"dhs_priv"`
	SendingPub      X25519Public   `json:"dhs_pub"`
	ReceivingPub    X25519Public   `json:"dhr_pub"`
	SendChainKey    []byte         `json:"send_ck,omitempty"`
	ReceiveChainKey []byte         `json:"recv_ck,omitempty"`
	SendCounter     uint32         `json:"ns"`
	ReceiveCounter  uint32         `json:"nr"`
	PreviousCounter uint32         `json:"pn"`
	Skipped         []SkippedKey   `json:"skipped,omitempty"`
	Retired         []X25519Public `json:"retired,omitempty"`
	Handshake       *PreKeyMessage `json:"handshake,omitempty"`
	Degraded        bool           `json:"degraded,omitempty"`
}

// Conversation persists the ratchet state for a peer together with the
// engine's bookkeeping about it.
type Conversation struct {
	ID            ConversationID `json:"id"`
	Peer          PrincipalID    `json:"peer"`
	State         RatchetState   `json:"state"`
	Suspect       bool           `json:"suspect,omitempty"`
	SuspectReason string         `json:"suspect_reason,omitempty"`
	// HandshakeKey is the ephemeral key of the handshake that created State.
	HandshakeKey X25519Public `json:"handshake_key"`
	// SeenHandshakes are ephemeral keys of handshakes that were replaced or
	// refused; they are never accepted again.
	SeenHandshakes []X25519Public `json:"seen_handshakes,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
