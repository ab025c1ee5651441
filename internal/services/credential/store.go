package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cipherline/internal/clock"
	"cipherline/internal/domain"
)

// Store is the CredentialStore.
type Store struct {
	auth       domain.Authenticator
	principals domain.PrincipalClient
	sessions   domain.SessionStore
	clock      clock.Clock
	log        *slog.Logger

	mu      sync.Mutex
	current *domain.Session
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry checks.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// New returns a Store. principals may be nil when lazy validation is not
// needed.
func New(
	auth domain.Authenticator,
	principals domain.PrincipalClient,
	sessions domain.SessionStore,
	opts ...Option,
) *Store {
	s := &Store{
		auth:       auth,
		principals: principals,
		sessions:   sessions,
		clock:      clock.Real(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate exchanges creds for a session and persists it. It fails
// with domain.ErrInvalidCredentials or domain.ErrNetwork.
func (s *Store) Authenticate(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	creds.PrincipalID = domain.PrincipalID(strings.TrimSpace(creds.PrincipalID.String()))
	if creds.PrincipalID == "" || creds.Secret == "" {
		return domain.Session{}, domain.ErrInvalidCredentials
	}
	if creds.PrincipalKind == "" {
		creds.PrincipalKind = domain.PrincipalUser
	}
	if !creds.PrincipalKind.Valid() {
		return domain.Session{}, fmt.Errorf("%w: unknown principal kind %q", domain.ErrInvalidCredentials, creds.PrincipalKind)
	}

	sess, err := s.auth.Authenticate(ctx, creds)
	if err != nil {
		s.log.Info("credential.authenticate.fail", "principal", creds.PrincipalID, "err", err)
		return domain.Session{}, classify(err)
	}
	if sess.Token == "" {
		return domain.Session{}, fmt.Errorf("%w: empty token", domain.ErrInvalidCredentials)
	}
	if sess.PrincipalID == "" {
		sess.PrincipalID = creds.PrincipalID
	}
	if sess.PrincipalKind == "" {
		sess.PrincipalKind = creds.PrincipalKind
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sessions.SaveSession(sess); err != nil {
		return domain.Session{}, fmt.Errorf("credential: persist session: %w", err)
	}
	s.current = &sess
	s.log.Info("credential.authenticated", "principal", sess.PrincipalID, "kind", sess.PrincipalKind)
	return sess, nil
}

// Restore loads the persisted session into memory. It makes no network
// call, is idempotent, and reports false when there is nothing (or only an
// expired session) to restore.
func (s *Store) Restore() (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok, err := s.sessions.LoadSession()
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("credential: load session: %w", err)
	}
	if !ok {
		s.current = nil
		return domain.Session{}, false, nil
	}
	if sess.Expired(s.clock.Now()) {
		s.log.Info("credential.restore.expired", "principal", sess.PrincipalID, "expires_at", sess.ExpiresAt)
		s.current = nil
		return domain.Session{}, false, s.sessions.DeleteSession()
	}
	s.current = &sess
	return sess, true, nil
}

// Invalidate clears the session from memory and storage. Calling it with
// no session is fine.
func (s *Store) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked()
}

func (s *Store) invalidateLocked() error {
	if s.current != nil {
		s.log.Info("credential.invalidated", "principal", s.current.PrincipalID)
	}
	s.current = nil
	return s.sessions.DeleteSession()
}

// Current returns the active session. An expired session is reported
// absent.
func (s *Store) Current() (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Expired(s.clock.Now()) {
		return domain.Session{}, false
	}
	return *s.current, true
}

// Validate asks the server who the current token belongs to. An
// unauthenticated answer invalidates the session.
func (s *Store) Validate(ctx context.Context) (domain.Principal, error) {
	sess, ok := s.Current()
	if !ok {
		return domain.Principal{}, domain.ErrUnauthenticated
	}
	if s.principals == nil {
		return domain.Principal{ID: sess.PrincipalID, Kind: sess.PrincipalKind}, nil
	}

	p, err := s.principals.CurrentPrincipal(ctx, sess.Token)
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationFailure) {
			s.mu.Lock()
			// Only drop the session we validated; a concurrent login wins.
			if s.current != nil && s.current.Token == sess.Token {
				if ierr := s.invalidateLocked(); ierr != nil {
					s.log.Warn("credential.invalidate.fail", "err", ierr)
				}
			}
			s.mu.Unlock()
			return domain.Principal{}, domain.ErrUnauthenticated
		}
		return domain.Principal{}, classify(err)
	}
	return p, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrNetwork):
		return err
	case errors.Is(err, domain.ErrAuthenticationFailure):
		return fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
}
