package types

import "time"

// EncryptedEnvelope is the wire form of one encrypted message. Field order
// is fixed; PreviousCounter and Handshake are trailing optional fields.
type EncryptedEnvelope struct {
	_                      struct{}       `cbor:",toarray"`
	ConversationID         ConversationID `json:"conversation_id"`
	SenderID               PrincipalID    `json:"sender_id"`
	SenderRatchetPublicKey X25519Public   `json:"sender_ratchet_public_key"`
	Counter                uint32         `json:"counter"`
	Ciphertext             []byte         `json:"ciphertext"`
	PreviousCounter        uint32         `json:"previous_counter"`
	Handshake              *PreKeyMessage `json:"handshake,omitempty"`
}

// Message is a decrypted envelope as handed to listeners.
type Message struct {
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       PrincipalID    `json:"sender_id"`
	Counter        uint32         `json:"counter"`
	Plaintext      []byte         `json:"plaintext"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// DeliveryReceipt confirms an envelope was handed to the transport.
// Queued is set when the transport was not connected at submission.
type DeliveryReceipt struct {
	FrameID        string         `json:"frame_id"`
	ConversationID ConversationID `json:"conversation_id"`
	Counter        uint32         `json:"counter"`
	Queued         bool           `json:"queued"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}
