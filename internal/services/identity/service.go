package identity

import (
	"errors"
	"fmt"
	"unicode"

	"cipherline/internal/crypto"
	"cipherline/internal/domain"
	"cipherline/internal/store"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)

	// ErrIdentityExists is returned by GenerateIdentity when an identity is
	// already sealed under any passphrase.
	ErrIdentityExists = errors.New("identity already exists")
)

// Service manages identity key creation and access using a backing store.
type Service struct {
	store domain.IdentityStore
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// GenerateIdentity creates a new identity, seals it with the passphrase and
// returns it with its fingerprint. An existing identity is never replaced:
// replacing it would orphan every conversation and published bundle.
func (s *Service) GenerateIdentity(passphrase string) (domain.Identity, domain.Fingerprint, error) {
	if !isSecurePassphrase(passphrase) {
		return domain.Identity{}, "", ErrWeakPassphrase
	}
	if _, err := s.store.LoadIdentity(passphrase); !errors.Is(err, store.ErrNoIdentity) {
		return domain.Identity{}, "", ErrIdentityExists
	}

	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, "", err
	}

	id := domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		return domain.Identity{}, "", err
	}
	return id, Fingerprint(id), nil
}

// LoadIdentity unseals and returns the local identity.
func (s *Service) LoadIdentity(passphrase string) (domain.Identity, error) {
	return s.store.LoadIdentity(passphrase)
}

// FingerprintIdentity returns the fingerprint of the local identity.
func (s *Service) FingerprintIdentity(passphrase string) (domain.Fingerprint, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	return Fingerprint(id), nil
}

// Fingerprint is what users compare out of band to authenticate a peer.
func Fingerprint(id domain.Identity) domain.Fingerprint {
	return crypto.IdentityFingerprint(id.XPub, id.EdPub)
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.IdentityService.
var _ domain.IdentityService = (*Service)(nil)
