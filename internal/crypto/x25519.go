package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"

	"cipherline/internal/domain"
)

// ErrLowOrderPoint is returned by DH when the peer key yields a zero secret.
var ErrLowOrderPoint = errors.New("x25519: low-order public key")

// GenerateX25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	clamp(&priv)
	pub, err = PublicX25519(priv)
	return priv, pub, err
}

// PublicX25519 derives the public half of priv.
func PublicX25519(priv domain.X25519Private) (pub domain.X25519Public, err error) {
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pb)
	return pub, nil
}

// DH computes X25519 Diffie-Hellman.
func DH(priv domain.X25519Private, pub domain.X25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, ErrLowOrderPoint
	}
	copy(out[:], secret)
	return out, nil
}

func clamp(k *domain.X25519Private) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
