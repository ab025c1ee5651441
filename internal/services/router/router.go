package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"cipherline/internal/clock"
	"cipherline/internal/domain"
	"cipherline/internal/ids"
	"cipherline/internal/services/encryption"
)

const errorBuffer = 64

// Listener receives decrypted messages for one conversation.
type Listener interface {
	Notify(ctx context.Context, msg domain.Message) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, msg domain.Message) error

// Notify calls f(ctx, msg).
func (f ListenerFunc) Notify(ctx context.Context, msg domain.Message) error { return f(ctx, msg) }

// Sessions reports the active session.
type Sessions interface {
	Current() (domain.Session, bool)
}

// Transport accepts frames for delivery. queued is true when the frame was
// buffered because the connection is not up.
type Transport interface {
	Submit(frame domain.Frame) (queued bool, err error)
}

// DeliveryError describes one inbound message that could not be delivered
// or one listener that failed on it.
type DeliveryError struct {
	ConversationID domain.ConversationID
	SenderID       domain.PrincipalID
	Counter        uint32
	Handle         domain.Handle
	Err            error
}

func (e DeliveryError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("router: %s from %s (#%d) listener %s: %v", e.ConversationID, e.SenderID, e.Counter, e.Handle, e.Err)
	}
	return fmt.Sprintf("router: %s from %s (#%d): %v", e.ConversationID, e.SenderID, e.Counter, e.Err)
}

// Unwrap returns the listener error.
func (e DeliveryError) Unwrap() error { return e.Err }

type registration struct {
	handle   domain.Handle
	listener Listener
}

// Router is the MessageRouter.
type Router struct {
	sessions  Sessions
	enc       *encryption.Engine
	transport Transport
	clock     clock.Clock
	log       *slog.Logger

	mu        sync.Mutex
	listeners map[domain.ConversationID][]registration
	handles   map[domain.Handle]domain.ConversationID

	errs chan DeliveryError
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock behind frame IDs and listener handles.
func WithClock(c clock.Clock) Option { return func(r *Router) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// New returns a Router that encrypts with enc, sends through transport
// and refuses to operate while sessions reports no valid session.
func New(sessions Sessions, enc *encryption.Engine, transport Transport, opts ...Option) *Router {
	r := &Router{
		sessions:  sessions,
		enc:       enc,
		transport: transport,
		clock:     clock.Real(),
		log:       slog.Default(),
		listeners: map[domain.ConversationID][]registration{},
		handles:   map[domain.Handle]domain.ConversationID{},
		errs:      make(chan DeliveryError, errorBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send encrypts plaintext for conv and submits it. Without an active
// session it fails with domain.ErrUnauthenticated before touching the
// ratchet or the network. Cancellation is honoured until the envelope is
// handed to the transport; after that the message is committed.
func (r *Router) Send(ctx context.Context, conv domain.ConversationID, plaintext []byte) (domain.DeliveryReceipt, error) {
	if _, ok := r.sessions.Current(); !ok {
		return domain.DeliveryReceipt{}, domain.ErrUnauthenticated
	}
	if err := ctx.Err(); err != nil {
		return domain.DeliveryReceipt{}, err
	}

	var receipt domain.DeliveryReceipt
	err := r.enc.Seal(conv, plaintext, func(env domain.EncryptedEnvelope, peer domain.PrincipalID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := r.clock.Now()
		id, err := ids.NewULID(now)
		if err != nil {
			return err
		}
		queued, err := r.transport.Submit(domain.Frame{
			Type:     domain.FrameEnvelope,
			ID:       id,
			To:       peer,
			From:     env.SenderID,
			Envelope: &env,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrTransportFailure, err)
		}
		receipt = domain.DeliveryReceipt{
			FrameID:        id,
			ConversationID: conv,
			Counter:        env.Counter,
			Queued:         queued,
			SubmittedAt:    now,
		}
		return nil
	})
	switch {
	case err == nil:
		r.log.Debug("router.send", "conversation", conv, "counter", receipt.Counter, "queued", receipt.Queued)
		return receipt, nil
	case errors.Is(err, domain.ErrTransportFailure),
		errors.Is(err, domain.ErrEncryptionFailure),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return domain.DeliveryReceipt{}, err
	default:
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: %w", domain.ErrEncryptionFailure, err)
	}
}

// OnReceive decrypts env and notifies every listener of its conversation
// in registration order. A decrypt failure is returned and reported;
// listener failures are reported only.
func (r *Router) OnReceive(ctx context.Context, env domain.EncryptedEnvelope) error {
	msg, err := r.enc.Decrypt(env)
	if err != nil {
		r.log.Warn("router.decrypt.fail",
			"conversation", env.ConversationID,
			"sender", env.SenderID,
			"counter", env.Counter,
			"err", err,
		)
		r.report(DeliveryError{
			ConversationID: env.ConversationID,
			SenderID:       env.SenderID,
			Counter:        env.Counter,
			Err:            err,
		})
		return err
	}

	for _, reg := range r.snapshot(msg.ConversationID) {
		if err := notify(ctx, reg.listener, msg); err != nil {
			r.log.Warn("router.listener.fail", "conversation", msg.ConversationID, "handle", reg.handle, "err", err)
			r.report(DeliveryError{
				ConversationID: msg.ConversationID,
				SenderID:       msg.SenderID,
				Counter:        msg.Counter,
				Handle:         reg.handle,
				Err:            err,
			})
		}
	}
	return nil
}

// HandleFrame is the transport's inbound handler.
func (r *Router) HandleFrame(ctx context.Context, f domain.Frame) {
	switch f.Type {
	case domain.FrameEnvelope:
		if f.Envelope == nil {
			r.log.Warn("router.frame.empty", "id", f.ID)
			return
		}
		if f.From != "" && f.From != f.Envelope.SenderID {
			err := fmt.Errorf("%w: relay says %s, envelope says %s", domain.ErrMessageAuthentication, f.From, f.Envelope.SenderID)
			r.log.Warn("router.frame.sender_mismatch", "id", f.ID, "err", err)
			r.report(DeliveryError{
				ConversationID: f.Envelope.ConversationID,
				SenderID:       f.From,
				Counter:        f.Envelope.Counter,
				Err:            err,
			})
			return
		}
		_ = r.OnReceive(ctx, *f.Envelope)
	case domain.FrameError:
		r.log.Warn("router.frame.error", "id", f.ID, "error", f.Error)
	default:
		r.log.Debug("router.frame.ignored", "type", f.Type, "id", f.ID)
	}
}

func notify(ctx context.Context, l Listener, msg domain.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrListener, p)
		}
	}()
	if err := l.Notify(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrListener, err)
	}
	return nil
}

func (r *Router) report(e DeliveryError) {
	select {
	case r.errs <- e:
	default:
		r.log.Warn("router.errors.full", "conversation", e.ConversationID, "err", e.Err)
	}
}

// Errors delivers per-message failures. It is buffered; failures are
// dropped, and logged, when nobody drains it.
func (r *Router) Errors() <-chan DeliveryError { return r.errs }

// RegisterListener adds l for conv and returns its handle.
func (r *Router) RegisterListener(conv domain.ConversationID, l Listener) domain.Handle {
	h := domain.Handle("lst-" + ids.MustULID(r.clock.Now()))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[conv] = append(r.listeners[conv], registration{handle: h, listener: l})
	r.handles[h] = conv
	return h
}

// UnregisterListener removes the registration behind h and reports whether
// there was one.
func (r *Router) UnregisterListener(h domain.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.handles[h]
	if !ok {
		return false
	}
	delete(r.handles, h)
	regs := slices.DeleteFunc(slices.Clone(r.listeners[conv]), func(reg registration) bool { return reg.handle == h })
	if len(regs) == 0 {
		delete(r.listeners, conv)
	} else {
		r.listeners[conv] = regs
	}
	return true
}

// Teardown removes every registration.
func (r *Router) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handles)
	r.listeners = map[domain.ConversationID][]registration{}
	r.handles = map[domain.Handle]domain.ConversationID{}
	if n > 0 {
		r.log.Info("router.teardown", "listeners", n)
	}
}

func (r *Router) snapshot(conv domain.ConversationID) []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.listeners[conv])
}
