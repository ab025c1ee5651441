package keyagreement

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"cipherline/internal/clock"
	"cipherline/internal/domain"
	"cipherline/internal/protocol/ratchet"
	"cipherline/internal/protocol/x3dh"
	"cipherline/internal/util/memzero"
)

// maxSeenHandshakes bounds the per-conversation list of refused or
// replaced handshakes.
const maxSeenHandshakes = 8

var (
	// ErrNoConversation is returned when a message arrives for, or is sent
	// on, a conversation that has no ratchet state.
	ErrNoConversation = errors.New("keyagreement: no session for conversation")

	// ErrHandshakeConflict is returned for the losing side of a
	// simultaneous initiation. The session started by the lexically
	// smaller principal wins on both ends.
	ErrHandshakeConflict = fmt.Errorf("%w: concurrent handshake lost tie-break", domain.ErrInvalidBundle)

	errOneTimeReused        = fmt.Errorf("%w: one-time pre-key already used", domain.ErrInvalidBundle)
	errUnknownSignedPreKey  = fmt.Errorf("%w: unknown signed pre-key", domain.ErrInvalidBundle)
	errUnknownOneTimePreKey = fmt.Errorf("%w: one-time pre-key unknown or already used", domain.ErrInvalidBundle)
	errSelfSession          = fmt.Errorf("%w: bundle belongs to this principal", domain.ErrInvalidBundle)
	errInitiatorMismatch    = fmt.Errorf("%w: handshake initiator is not the sender", domain.ErrInvalidBundle)
	errHandshakeSeen        = fmt.Errorf("%w: handshake already refused or replaced", domain.ErrReplayedMessage)
)

// Engine is the KeyAgreementEngine for one local principal.
type Engine struct {
	self     domain.PrincipalID
	id       domain.Identity
	prekeys  domain.PreKeyStore
	consumed domain.ConsumedPreKeyStore
	convs    domain.ConversationStore
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger

	genMu sync.Mutex // serialises pre-key generation

	mu    sync.Mutex // guards slots only
	slots map[domain.ConversationID]*slot
}

type slot struct {
	mu     sync.Mutex
	loaded bool
	conv   *domain.Conversation
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the defaults; zero fields keep their default.
func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c.withDefaults() } }

// WithClock sets the time source for pre-key ages and timestamps.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New returns an engine acting as self with identity id.
func New(
	self domain.PrincipalID,
	id domain.Identity,
	prekeys domain.PreKeyStore,
	consumed domain.ConsumedPreKeyStore,
	convs domain.ConversationStore,
	opts ...Option,
) *Engine {
	e := &Engine{
		self:     self,
		id:       id,
		prekeys:  prekeys,
		consumed: consumed,
		convs:    convs,
		cfg:      DefaultConfig(),
		clock:    clock.Real(),
		log:      slog.Default(),
		slots:    map[domain.ConversationID]*slot{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Self is the principal this engine encrypts as.
func (e *Engine) Self() domain.PrincipalID { return e.self }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// InitiateSession runs X3DH against peerBundle and replaces any state held
// for conv with a fresh initiator ratchet. The returned state is a copy.
func (e *Engine) InitiateSession(conv domain.ConversationID, bundle domain.PreKeyBundle) (domain.RatchetState, error) {
	if bundle.PrincipalID == e.self {
		return domain.RatchetState{}, errSelfSession
	}
	if err := x3dh.VerifyBundle(bundle); err != nil {
		return domain.RatchetState{}, err
	}
	degraded := bundle.OneTimePreKey == nil
	if degraded && !e.cfg.AllowDegradedSessions {
		return domain.RatchetState{}, domain.ErrMissingOneTimePreKey
	}

	res, err := x3dh.InitiatorRoot(e.self, e.id, bundle)
	if err != nil {
		return domain.RatchetState{}, err
	}
	st, err := ratchet.InitInitiator(res.RootKey, bundle.SignedPreKey)
	memzero.Zero(res.RootKey)
	if err != nil {
		return domain.RatchetState{}, err
	}
	st.Handshake = &res.Message
	st.Degraded = degraded

	err = e.Update(conv, func(cur *domain.Conversation) (*domain.Conversation, error) {
		if res.OneTimePreKey != nil {
			fresh, err := e.consumed.MarkConsumed(bundle.PrincipalID, *res.OneTimePreKey)
			if err != nil {
				return nil, err
			}
			if !fresh {
				return nil, errOneTimeReused
			}
		}
		next := &domain.Conversation{
			ID:           conv,
			Peer:         bundle.PrincipalID,
			State:        st,
			HandshakeKey: res.Message.EphemeralKey,
		}
		if cur != nil {
			next.SeenHandshakes = remember(cur.SeenHandshakes, cur.HandshakeKey)
		}
		return next, nil
	})
	if err != nil {
		return domain.RatchetState{}, err
	}

	if degraded {
		e.log.Warn("keyagreement.session.degraded", "conversation", conv, "peer", bundle.PrincipalID)
	}
	e.log.Info("keyagreement.session.initiated",
		"conversation", conv,
		"peer", bundle.PrincipalID,
		"signed_pre_key", bundle.SignedPreKeyID,
		"one_time_pre_key", res.Message.OneTimePreKeyID,
	)
	return ratchet.Clone(st), nil
}

// AcceptSession is the responder side of X3DH: it derives the initiator's
// root key from msg, consumes the named one-time pre-key and stores a
// responder ratchet for conv.
func (e *Engine) AcceptSession(
	conv domain.ConversationID,
	peer domain.PrincipalID,
	msg domain.PreKeyMessage,
) (domain.RatchetState, error) {
	var out domain.RatchetState
	err := e.Update(conv, func(cur *domain.Conversation) (*domain.Conversation, error) {
		if cur != nil && slices.Contains(cur.SeenHandshakes, msg.EphemeralKey) {
			return nil, errHandshakeSeen
		}
		st, err := e.respond(peer, msg)
		if err != nil {
			return nil, err
		}
		if err := e.consumeOneTime(msg.OneTimePreKeyID); err != nil {
			return nil, err
		}
		out = ratchet.Clone(st)
		return e.accepted(conv, cur, peer, msg, st), nil
	})
	return out, err
}

// Advance is the pure chain step; see ratchet.Advance. The skip budget is
// the engine's MaxSkippedMessageKeys.
func (e *Engine) Advance(
	st domain.RatchetState,
	dir ratchet.Direction,
	h ratchet.Header,
) (ratchet.MessageKey, domain.RatchetState, error) {
	return ratchet.Advance(st, dir, h, e.cfg.MaxSkippedMessageKeys)
}

// Send derives the next sending key for conv and passes it to fn together
// with the conversation as it will look once committed. The state is
// committed only if fn returns nil.
func (e *Engine) Send(
	conv domain.ConversationID,
	fn func(mk ratchet.MessageKey, c domain.Conversation) error,
) error {
	return e.Update(conv, func(cur *domain.Conversation) (*domain.Conversation, error) {
		if cur == nil {
			return nil, ErrNoConversation
		}
		if cur.Suspect {
			return nil, fmt.Errorf("%w: %s", domain.ErrConversationSuspect, cur.SuspectReason)
		}
		mk, st, err := e.Advance(cur.State, ratchet.Send, ratchet.Header{})
		if err != nil {
			return nil, err
		}
		defer mk.Wipe()

		next := *cur
		next.State = st
		if err := fn(mk, next); err != nil {
			return nil, err
		}
		return &next, nil
	})
}

// Receive derives the receiving key for header h from sender and passes it
// to open. A handshake not seen before on conv is accepted first. State is
// committed, and a consumed one-time pre-key deleted, only if open returns
// nil.
func (e *Engine) Receive(
	conv domain.ConversationID,
	sender domain.PrincipalID,
	hs *domain.PreKeyMessage,
	h ratchet.Header,
	open func(mk ratchet.MessageKey) error,
) error {
	return e.Update(conv, func(cur *domain.Conversation) (*domain.Conversation, error) {
		if hs != nil && (cur == nil || cur.HandshakeKey != hs.EphemeralKey) {
			return e.receiveHandshake(conv, cur, sender, *hs, h, open)
		}
		if cur == nil {
			return nil, ErrNoConversation
		}
		if cur.Peer != sender {
			return nil, fmt.Errorf("%w: %s is not the peer of %s", domain.ErrMessageAuthentication, sender, conv)
		}
		if cur.Suspect {
			return nil, fmt.Errorf("%w: %s", domain.ErrConversationSuspect, cur.SuspectReason)
		}

		mk, st, err := e.Advance(cur.State, ratchet.Receive, h)
		if err != nil {
			if errors.Is(err, domain.ErrReplayedMessage) {
				return nil, err
			}
			return e.suspect(cur, err), err
		}
		defer mk.Wipe()
		if err := open(mk); err != nil {
			return e.suspect(cur, err), err
		}

		next := *cur
		next.State = st
		// Anything decrypted on this session proves the peer holds it.
		next.State.Handshake = nil
		return &next, nil
	})
}

func (e *Engine) receiveHandshake(
	conv domain.ConversationID,
	cur *domain.Conversation,
	sender domain.PrincipalID,
	hs domain.PreKeyMessage,
	h ratchet.Header,
	open func(mk ratchet.MessageKey) error,
) (*domain.Conversation, error) {
	if cur != nil && slices.Contains(cur.SeenHandshakes, hs.EphemeralKey) {
		return nil, errHandshakeSeen
	}
	pending := cur != nil && !cur.Suspect && cur.State.Handshake != nil && cur.Peer == sender
	if pending && e.self < sender {
		e.log.Info("keyagreement.handshake.conflict", "conversation", conv, "peer", sender, "kept", "local")
		refused := *cur
		refused.SeenHandshakes = remember(cur.SeenHandshakes, hs.EphemeralKey)
		return &refused, ErrHandshakeConflict
	}

	st, err := e.respond(sender, hs)
	if err != nil {
		return nil, err
	}
	mk, next, err := e.Advance(st, ratchet.Receive, h)
	if err != nil {
		return nil, err
	}
	defer mk.Wipe()
	if err := open(mk); err != nil {
		return nil, err
	}
	if err := e.consumeOneTime(hs.OneTimePreKeyID); err != nil {
		return nil, err
	}

	if cur != nil {
		e.log.Info("keyagreement.session.replaced", "conversation", conv, "peer", sender, "was_suspect", cur.Suspect)
	}
	e.log.Info("keyagreement.session.accepted",
		"conversation", conv,
		"peer", sender,
		"signed_pre_key", hs.SignedPreKeyID,
		"one_time_pre_key", hs.OneTimePreKeyID,
	)
	return e.accepted(conv, cur, sender, hs, next), nil
}

// respond derives the responder's initial ratchet for msg without
// consuming anything.
func (e *Engine) respond(peer domain.PrincipalID, msg domain.PreKeyMessage) (domain.RatchetState, error) {
	if msg.InitiatorID != peer {
		return domain.RatchetState{}, errInitiatorMismatch
	}
	spk, ok, err := e.prekeys.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return domain.RatchetState{}, err
	}
	if !ok {
		return domain.RatchetState{}, errUnknownSignedPreKey
	}

	var opkPriv *domain.X25519Private
	if msg.OneTimePreKeyID != "" {
		opk, ok, err := e.prekeys.LoadOneTimePreKey(msg.OneTimePreKeyID)
		if err != nil {
			return domain.RatchetState{}, err
		}
		if !ok {
			return domain.RatchetState{}, errUnknownOneTimePreKey
		}
		opkPriv = &opk.Priv
	}

	root, err := x3dh.ResponderRoot(e.id, spk.Priv, opkPriv, msg)
	if err != nil {
		return domain.RatchetState{}, err
	}
	st := ratchet.InitResponder(root, spk)
	memzero.Zero(root)
	st.Degraded = msg.OneTimePreKeyID == ""
	return st, nil
}

func (e *Engine) consumeOneTime(id domain.OneTimePreKeyID) error {
	if id == "" {
		return nil
	}
	_, ok, err := e.prekeys.ConsumeOneTimePreKey(id)
	if err != nil {
		return err
	}
	if !ok {
		return errUnknownOneTimePreKey
	}
	return nil
}

func (e *Engine) accepted(
	conv domain.ConversationID,
	cur *domain.Conversation,
	peer domain.PrincipalID,
	msg domain.PreKeyMessage,
	st domain.RatchetState,
) *domain.Conversation {
	next := &domain.Conversation{
		ID:           conv,
		Peer:         peer,
		State:        st,
		HandshakeKey: msg.EphemeralKey,
	}
	if cur != nil {
		next.SeenHandshakes = remember(cur.SeenHandshakes, cur.HandshakeKey)
	}
	return next
}

func (e *Engine) suspect(cur *domain.Conversation, cause error) *domain.Conversation {
	e.log.Warn("keyagreement.conversation.suspect", "conversation", cur.ID, "peer", cur.Peer, "err", cause)
	next := *cur
	next.Suspect = true
	next.SuspectReason = cause.Error()
	return &next
}

func remember(seen []domain.X25519Public, k domain.X25519Public) []domain.X25519Public {
	if k.IsZero() || slices.Contains(seen, k) {
		return seen
	}
	seen = append(seen, k)
	if len(seen) > maxSeenHandshakes {
		seen = slices.Delete(seen, 0, len(seen)-maxSeenHandshakes)
	}
	return seen
}

// Update runs fn inside conv's critical section with a private copy of the
// current conversation (nil if there is none). A non-nil result is
// committed and persisted, even when fn also returns an error; that is how
// failures record suspect state.
func (e *Engine) Update(
	conv domain.ConversationID,
	fn func(cur *domain.Conversation) (*domain.Conversation, error),
) error {
	s := e.slot(conv)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		c, ok, err := e.convs.LoadConversation(conv)
		if err != nil {
			return fmt.Errorf("keyagreement: load %s: %w", conv, err)
		}
		if ok {
			s.conv = &c
		}
		s.loaded = true
	}

	next, ferr := fn(copyConversation(s.conv))
	if next == nil {
		return ferr
	}
	next.ID = conv
	next.UpdatedAt = e.clock.Now()
	s.conv = copyConversation(next)
	if err := e.convs.SaveConversation(*next); err != nil {
		return errors.Join(ferr, fmt.Errorf("keyagreement: persist %s: %w", conv, err))
	}
	return ferr
}

func (e *Engine) slot(conv domain.ConversationID) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[conv]
	if !ok {
		s = &slot{}
		e.slots[conv] = s
	}
	return s
}

// State returns a copy of conv's ratchet state.
func (e *Engine) State(conv domain.ConversationID) (domain.RatchetState, bool, error) {
	c, ok, err := e.Conversation(conv)
	return c.State, ok, err
}

// Peer returns the remote principal of conv.
func (e *Engine) Peer(conv domain.ConversationID) (domain.PrincipalID, bool, error) {
	c, ok, err := e.Conversation(conv)
	return c.Peer, ok, err
}

// Conversation returns a copy of conv.
func (e *Engine) Conversation(conv domain.ConversationID) (domain.Conversation, bool, error) {
	var out *domain.Conversation
	err := e.Update(conv, func(cur *domain.Conversation) (*domain.Conversation, error) {
		out = cur
		return nil, nil
	})
	if err != nil || out == nil {
		return domain.Conversation{}, false, err
	}
	return *out, true, nil
}

// Forget drops conv from memory and storage.
func (e *Engine) Forget(conv domain.ConversationID) error {
	s := e.slot(conv)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv, s.loaded = nil, true
	return e.convs.DeleteConversation(conv)
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.State = ratchet.Clone(c.State)
	out.SeenHandshakes = slices.Clone(c.SeenHandshakes)
	return &out
}
