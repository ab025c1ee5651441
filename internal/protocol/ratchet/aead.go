package ratchet

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext under mk. Every message key is used once, so the
// nonce only needs to be unique per key; it carries the counter.
func Seal(mk MessageKey, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.Key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce(mk.Header.Counter), plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext under mk.
func Open(mk MessageKey, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk.Key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce(mk.Header.Counter), ciphertext, ad)
}

func nonce(counter uint32) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[len(n)-4:], counter)
	return n
}
