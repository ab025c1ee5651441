package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// keystoreFormatVersion is the version of the sealed blob written to disk.
// Version 1 blobs (zero nonce, salt as associated data) are still readable.
const keystoreFormatVersion = 2

// ErrWrongPassphrase is returned when the passphrase is incorrect or the
// sealed blob has been modified.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// kdfParams are the scrypt cost parameters recorded with each blob.
type kdfParams struct {
	N, R, P int
}

// Tunables for scrypt key derivation.
var defaultKDF = kdfParams{N: 1 << 15, R: 8, P: 1}

// blob is the on-disk JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce,omitempty"`
	Cipher []byte `json:"cipher"`
}

// seal derives a key from passphrase and seals raw into a JSON blob. label
// is bound as associated data so a blob cannot be swapped between files.
func seal(passphrase, label string, raw []byte, kp kdfParams) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt, kp.N, kp.R, kp.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	b := blob{V: keystoreFormatVersion, Salt: salt, N: kp.N, R: kp.R, P: kp.P, Nonce: nonce}
	b.Cipher = aead.Seal(nil, nonce, raw, associatedData(b, label))
	return json.Marshal(b)
}

// unseal opens the JSON blob using a key derived from passphrase.
func unseal(passphrase, label string, data []byte) ([]byte, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	if b.V < 1 || b.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", b.V)
	}

	key, err := scrypt.Key([]byte(passphrase), b.Salt, b.N, b.R, b.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}

	var pt []byte
	if b.V == 1 {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		pt, err = aead.Open(nil, make([]byte, chacha20poly1305.NonceSize), b.Cipher, b.Salt)
		if err != nil {
			return nil, ErrWrongPassphrase
		}
		return pt, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(b.Nonce) != aead.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	pt, err = aead.Open(nil, b.Nonce, b.Cipher, associatedData(b, label))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func associatedData(b blob, label string) []byte {
	return fmt.Appendf(nil, "%s|v%d|%d|%d|%d|%x", label, b.V, b.N, b.R, b.P, b.Salt)
}
