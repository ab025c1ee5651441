package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"cipherline/internal/clock"
	"cipherline/internal/domain"
	"cipherline/internal/services/credential"
	"cipherline/internal/services/encryption"
	"cipherline/internal/services/keyagreement"
	"cipherline/internal/services/router"
	"cipherline/internal/transport"
)

// App joins the credential store, the key agreement and encryption
// engines, the router and the transport behind one surface.
type App struct {
	cfg       Config
	wire      *Wire
	id        domain.Identity
	log       *slog.Logger
	clock     clock.Clock
	creds     *credential.Store
	transport *transport.Client
	errs      chan router.DeliveryError
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	active *bound
}

// bound is everything tied to one authenticated principal.
type bound struct {
	self   domain.PrincipalID
	ka     *keyagreement.Engine
	router *router.Router
	stop   chan struct{}
}

type options struct {
	log      *slog.Logger
	clock    clock.Clock
	dialer   transport.Dialer
	registry prometheus.Registerer
}

// Option configures an App.
type Option func(*options)

// WithLogger overrides the logger built from the configuration.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithDialer replaces the WebSocket dialer derived from the config.
func WithDialer(d transport.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithMetrics registers the transport collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(o *options) { o.registry = reg } }

// New loads the identity sealed under passphrase and wires the app. It
// does not authenticate or connect.
func New(cfg Config, w *Wire, passphrase string, opts ...Option) (*App, error) {
	o := options{log: slog.Default(), clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := w.IDs.LoadIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("app: load identity: %w", err)
	}

	if o.dialer == nil {
		u, err := cfg.RealtimeURL()
		if err != nil {
			return nil, err
		}
		o.dialer = transport.WSDialer{URL: u, HTTPClient: w.HTTP}
	}

	a := &App{
		cfg:   cfg,
		wire:  w,
		id:    id,
		log:   o.log,
		clock: o.clock,
		creds: credential.New(w.Relay, w.Relay, w.Sessions,
			credential.WithClock(o.clock), credential.WithLogger(o.log)),
		errs: make(chan router.DeliveryError, 64),
		done: make(chan struct{}),
	}
	a.transport = transport.New(o.dialer, a.handleFrame,
		transport.WithConfig(cfg.Transport),
		transport.WithClock(o.clock),
		transport.WithLogger(o.log),
		transport.WithMetrics(transport.NewMetrics(o.registry)),
	)
	go a.watch(a.transport.Subscribe())
	return a, nil
}

// Authenticate logs in and binds the engines to the principal.
func (a *App) Authenticate(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	sess, err := a.creds.Authenticate(ctx, creds)
	if err != nil {
		return domain.Session{}, err
	}
	a.bind(sess.PrincipalID)
	return sess, nil
}

// Restore picks up the persisted session without a network call.
func (a *App) Restore() (domain.Session, bool, error) {
	sess, ok, err := a.creds.Restore()
	if err != nil || !ok {
		return domain.Session{}, false, err
	}
	a.bind(sess.PrincipalID)
	return sess, true, nil
}

// Session returns the active session.
func (a *App) Session() (domain.Session, bool) { return a.creds.Current() }

// Validate asks the relay who the current token belongs to.
func (a *App) Validate(ctx context.Context) (domain.Principal, error) {
	p, err := a.creds.Validate(ctx)
	if errors.Is(err, domain.ErrUnauthenticated) {
		a.unbind()
	}
	return p, err
}

// Logout disconnects and forgets the session.
func (a *App) Logout() error {
	a.transport.Disconnect()
	a.unbind()
	return a.creds.Invalidate()
}

// Connect opens the realtime connection with the active session.
func (a *App) Connect(ctx context.Context) error {
	sess, ok := a.creds.Current()
	if !ok {
		return domain.ErrUnauthenticated
	}
	return a.transport.Connect(ctx, sess)
}

// Disconnect drops the realtime connection but keeps the session.
func (a *App) Disconnect() { a.transport.Disconnect() }

// State is the transport's connection state.
func (a *App) State() domain.ConnectionState { return a.transport.State() }

// Pending is the number of outbound frames not yet written.
func (a *App) Pending() int { return a.transport.QueueLen() }

// States streams transport state changes.
func (a *App) States() <-chan domain.StateChange { return a.transport.Subscribe() }

// Errors streams inbound messages that could not be delivered and
// listener failures.
func (a *App) Errors() <-chan router.DeliveryError { return a.errs }

// Send encrypts plaintext for conv and hands it to the transport.
func (a *App) Send(ctx context.Context, conv domain.ConversationID, plaintext []byte) (domain.DeliveryReceipt, error) {
	b := a.current()
	if b == nil {
		return domain.DeliveryReceipt{}, domain.ErrUnauthenticated
	}
	return b.router.Send(ctx, conv, plaintext)
}

// RegisterListener subscribes l to decrypted messages of conv.
func (a *App) RegisterListener(conv domain.ConversationID, l router.Listener) (domain.Handle, error) {
	b := a.current()
	if b == nil {
		return "", domain.ErrUnauthenticated
	}
	return b.router.RegisterListener(conv, l), nil
}

// UnregisterListener removes the listener behind h and reports whether it
// was registered.
func (a *App) UnregisterListener(h domain.Handle) bool {
	b := a.current()
	if b == nil {
		return false
	}
	return b.router.UnregisterListener(h)
}

// PublishPreKeys generates n bundles (the configured batch when n <= 0)
// and uploads them.
func (a *App) PublishPreKeys(ctx context.Context, n int) (int, error) {
	sess, b, err := a.require()
	if err != nil {
		return 0, err
	}
	bundles, err := b.ka.GenerateBundles(n)
	if err != nil {
		return 0, err
	}
	if err := a.wire.Relay.PublishBundles(ctx, sess.Token, bundles); err != nil {
		return 0, a.restErr(err)
	}
	a.log.Info("app.prekeys.published", "count", len(bundles))
	return len(bundles), nil
}

// StartConversation returns the conversation with peer, fetching a bundle
// and running the handshake when there is none yet or the existing one is
// suspect.
func (a *App) StartConversation(ctx context.Context, peer domain.PrincipalID) (domain.ConversationID, error) {
	sess, b, err := a.require()
	if err != nil {
		return "", err
	}
	conv := domain.DirectConversationID(b.self, peer)
	c, ok, err := b.ka.Conversation(conv)
	if err != nil {
		return "", err
	}
	if ok && !c.Suspect {
		return conv, nil
	}

	bundle, err := a.wire.Relay.FetchBundle(ctx, sess.Token, peer)
	if err != nil {
		return "", a.restErr(err)
	}
	if _, err := b.ka.InitiateSession(conv, bundle); err != nil {
		return "", err
	}
	return conv, nil
}

// Conversation reports the stored state of conv.
func (a *App) Conversation(conv domain.ConversationID) (domain.Conversation, bool, error) {
	b := a.current()
	if b == nil {
		return domain.Conversation{}, false, domain.ErrUnauthenticated
	}
	return b.ka.Conversation(conv)
}

// Close is terminal. The Wire stays with the caller.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.transport.Close()
		a.unbind()
		close(a.done)
	})
	return err
}

func (a *App) current() *bound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *App) require() (domain.Session, *bound, error) {
	sess, ok := a.creds.Current()
	b := a.current()
	if !ok || b == nil {
		return domain.Session{}, nil, domain.ErrUnauthenticated
	}
	return sess, b, nil
}

// bind builds the engines for self unless they already serve it.
func (a *App) bind(self domain.PrincipalID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		if a.active.self == self {
			return
		}
		a.release(a.active)
	}

	ka := keyagreement.New(self, a.id, a.wire.PreKeys, a.wire.Consumed, a.wire.Conversations,
		keyagreement.WithConfig(a.cfg.KeyAgreement),
		keyagreement.WithClock(a.clock),
		keyagreement.WithLogger(a.log),
	)
	enc := encryption.New(ka, encryption.WithClock(a.clock))
	r := router.New(a.creds, enc, a.transport, router.WithClock(a.clock), router.WithLogger(a.log))
	b := &bound{self: self, ka: ka, router: r, stop: make(chan struct{})}
	go a.forward(r.Errors(), b.stop)
	a.active = b
	a.log.Info("app.bound", "principal", self)
}

func (a *App) unbind() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		a.release(a.active)
		a.active = nil
	}
}

func (a *App) release(b *bound) {
	b.router.Teardown()
	close(b.stop)
}

func (a *App) forward(src <-chan router.DeliveryError, stop <-chan struct{}) {
	for {
		select {
		case e := <-src:
			select {
			case a.errs <- e:
			default:
				a.log.Warn("app.errors.dropped", "conversation", e.ConversationID, "err", e.Err)
			}
		case <-stop:
			return
		}
	}
}

func (a *App) handleFrame(ctx context.Context, f domain.Frame) {
	b := a.current()
	if b == nil {
		a.log.Warn("app.frame.unbound", "id", f.ID, "type", f.Type)
		return
	}
	b.router.HandleFrame(ctx, f)
}

// watch reacts to the relay rejecting the token: the session is dropped
// and listeners are torn down so the user has to log in again.
func (a *App) watch(changes <-chan domain.StateChange) {
	for {
		select {
		case ch := <-changes:
			if ch.To == domain.Closed && errors.Is(ch.Err, domain.ErrUnauthenticated) {
				a.log.Warn("app.session.revoked", "err", ch.Err)
				a.unbind()
				if err := a.creds.Invalidate(); err != nil {
					a.log.Warn("app.session.invalidate.fail", "err", err)
				}
			}
		case <-a.done:
			return
		}
	}
}

func (a *App) restErr(err error) error {
	if errors.Is(err, domain.ErrUnauthenticated) {
		a.log.Warn("app.session.rejected", "err", err)
		a.unbind()
		if ierr := a.creds.Invalidate(); ierr != nil {
			a.log.Warn("app.session.invalidate.fail", "err", ierr)
		}
	}
	return err
}
