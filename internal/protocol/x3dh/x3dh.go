package x3dh

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"cipherline/internal/crypto"
	"cipherline/internal/domain"
	"cipherline/internal/util/memzero"
)

// RootKeySize is the length of the derived root key.
const RootKeySize = 32

var info = []byte("cipherline-x3dh")

var (
	// ErrBadSignedPreKey is returned when the SPK signature fails verification.
	ErrBadSignedPreKey = fmt.Errorf("%w: signed pre-key signature does not verify", domain.ErrInvalidBundle)
	errZeroKey         = fmt.Errorf("%w: missing key material", domain.ErrInvalidBundle)
	errBadSignatureLen = fmt.Errorf("%w: signed pre-key signature has wrong length", domain.ErrInvalidBundle)
)

// Result is the initiator's output of a successful agreement.
type Result struct {
	RootKey []byte
	Message domain.PreKeyMessage
	// OneTimePreKey is the peer one-time key that was mixed in, if any.
	OneTimePreKey *domain.X25519Public
}

// VerifyBundle checks that bundle carries usable keys and a valid signature
// over the signed pre-key.
func VerifyBundle(bundle domain.PreKeyBundle) error {
	if bundle.PrincipalID == "" || bundle.SignedPreKeyID == "" {
		return errZeroKey
	}
	if bundle.IdentityKey.IsZero() || bundle.SigningKey.IsZero() || bundle.SignedPreKey.IsZero() {
		return errZeroKey
	}
	if bundle.OneTimePreKey != nil && (bundle.OneTimePreKey.Pub.IsZero() || bundle.OneTimePreKey.ID == "") {
		return errZeroKey
	}
	if len(bundle.SignedPreKeySignature) != crypto.SignatureSize {
		return errBadSignatureLen
	}
	if !crypto.VerifyEd25519(bundle.SigningKey, bundle.SignedPreKey.Slice(), bundle.SignedPreKeySignature) {
		return ErrBadSignedPreKey
	}
	return nil
}

// InitiatorRoot derives the root key for the initiator with a fresh
// ephemeral key.
func InitiatorRoot(
	self domain.PrincipalID,
	id domain.Identity,
	bundle domain.PreKeyBundle,
) (Result, error) {
	if err := VerifyBundle(bundle); err != nil {
		return Result{}, err
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Result{}, err
	}
	defer memzero.Zero32((*[32]byte)(&ephPriv))

	var opk *domain.X25519Public
	if bundle.OneTimePreKey != nil {
		opk = &bundle.OneTimePreKey.Pub
	}
	root, err := derive(
		pair{id.XPriv, bundle.SignedPreKey},
		pair{ephPriv, bundle.IdentityKey},
		pair{ephPriv, bundle.SignedPreKey},
		optional(ephPriv, opk),
	)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidBundle, err)
	}

	msg := domain.PreKeyMessage{
		InitiatorID:          self,
		InitiatorIdentityKey: id.XPub,
		EphemeralKey:         ephPub,
		SignedPreKeyID:       bundle.SignedPreKeyID,
	}
	if bundle.OneTimePreKey != nil {
		msg.OneTimePreKeyID = bundle.OneTimePreKey.ID
	}
	return Result{RootKey: root, Message: msg, OneTimePreKey: opk}, nil
}

// ResponderRoot recomputes the initiator's root key from our identity, the
// named signed pre-key and, when the message names one, the one-time key.
func ResponderRoot(
	id domain.Identity,
	signedPreKeyPriv domain.X25519Private,
	oneTimePreKeyPriv *domain.X25519Private,
	msg domain.PreKeyMessage,
) ([]byte, error) {
	if msg.InitiatorIdentityKey.IsZero() || msg.EphemeralKey.IsZero() {
		return nil, errZeroKey
	}
	if (msg.OneTimePreKeyID != "") != (oneTimePreKeyPriv != nil) {
		return nil, fmt.Errorf("%w: one-time pre-key mismatch", domain.ErrInvalidBundle)
	}

	parts := []pair{
		{signedPreKeyPriv, msg.InitiatorIdentityKey},
		{id.XPriv, msg.EphemeralKey},
		{signedPreKeyPriv, msg.EphemeralKey},
	}
	if oneTimePreKeyPriv != nil {
		parts = append(parts, pair{*oneTimePreKeyPriv, msg.EphemeralKey})
	}
	root, err := derive(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidBundle, err)
	}
	return root, nil
}

type pair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func optional(priv domain.X25519Private, pub *domain.X25519Public) pair {
	if pub == nil {
		return pair{}
	}
	return pair{priv, *pub}
}

// derive runs HKDF over F || DH1 || DH2 || DH3 [|| DH4], where F is 32 0xFF
// bytes. A zero pair is skipped.
func derive(parts ...pair) ([]byte, error) {
	transcript := make([]byte, 0, 32*5)
	transcript = append(transcript, bytes.Repeat([]byte{0xFF}, 32)...)
	defer func() { memzero.Zero(transcript) }()

	for _, p := range parts {
		if p.pub.IsZero() {
			continue
		}
		shared, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, shared[:]...)
		memzero.Zero(shared[:])
	}
	if len(transcript) < 32*4 {
		return nil, errors.New("x3dh: incomplete transcript")
	}

	root := make([]byte, RootKeySize)
	r := hkdf.New(sha256.New, transcript, make([]byte, sha256.Size), info)
	if _, err := io.ReadFull(r, root); err != nil {
		return nil, err
	}
	return root, nil
}
