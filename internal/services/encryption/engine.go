package encryption

import (
	"fmt"

	"cipherline/internal/clock"
	"cipherline/internal/codec"
	"cipherline/internal/domain"
	"cipherline/internal/protocol/ratchet"
	"cipherline/internal/services/keyagreement"
)

// HandFunc receives a sealed envelope and the peer it is addressed to. The
// ratchet state is committed only if it returns nil.
type HandFunc func(env domain.EncryptedEnvelope, peer domain.PrincipalID) error

// Engine is the EncryptionEngine.
type Engine struct {
	ka    *keyagreement.Engine
	clock clock.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock stamped on decrypted messages.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// New returns an EncryptionEngine over the ratchet state owned by ka.
func New(ka *keyagreement.Engine, opts ...Option) *Engine {
	e := &Engine{ka: ka, clock: clock.Real()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encrypt seals plaintext on conv and commits the sending chain.
func (e *Engine) Encrypt(conv domain.ConversationID, plaintext []byte) (domain.EncryptedEnvelope, error) {
	var out domain.EncryptedEnvelope
	err := e.Seal(conv, plaintext, func(env domain.EncryptedEnvelope, _ domain.PrincipalID) error {
		out = env
		return nil
	})
	return out, err
}

// Seal encrypts plaintext and passes the envelope to hand while conv is
// held, so envelopes reach hand in counter order.
func (e *Engine) Seal(conv domain.ConversationID, plaintext []byte, hand HandFunc) error {
	return e.ka.Send(conv, func(mk ratchet.MessageKey, c domain.Conversation) error {
		env := domain.EncryptedEnvelope{
			ConversationID:         conv,
			SenderID:               e.ka.Self(),
			SenderRatchetPublicKey: mk.Header.RatchetPublic,
			Counter:                mk.Header.Counter,
			PreviousCounter:        mk.Header.PreviousCounter,
		}
		if c.State.Handshake != nil {
			hs := *c.State.Handshake
			env.Handshake = &hs
		}
		ad, err := associatedData(env)
		if err != nil {
			return err
		}
		ct, err := ratchet.Seal(mk, ad, plaintext)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrEncryptionFailure, err)
		}
		env.Ciphertext = ct
		if hand == nil {
			return nil
		}
		return hand(env, c.Peer)
	})
}

// Decrypt authenticates and decrypts env, accepting its handshake first
// when it opens a new session.
func (e *Engine) Decrypt(env domain.EncryptedEnvelope) (domain.Message, error) {
	if env.SenderID == e.ka.Self() {
		return domain.Message{}, fmt.Errorf("%w: envelope from self", domain.ErrMessageAuthentication)
	}
	ad, err := associatedData(env)
	if err != nil {
		return domain.Message{}, err
	}
	h := ratchet.Header{
		RatchetPublic:   env.SenderRatchetPublicKey,
		Counter:         env.Counter,
		PreviousCounter: env.PreviousCounter,
	}

	var pt []byte
	err = e.ka.Receive(env.ConversationID, env.SenderID, env.Handshake, h, func(mk ratchet.MessageKey) error {
		out, err := ratchet.Open(mk, ad, env.Ciphertext)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMessageAuthentication, err)
		}
		pt = out
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Counter:        env.Counter,
		Plaintext:      pt,
		ReceivedAt:     e.clock.Now(),
	}, nil
}

func associatedData(env domain.EncryptedEnvelope) ([]byte, error) {
	env.Ciphertext = nil
	ad, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encryption: encode header: %w", err)
	}
	return ad, nil
}
