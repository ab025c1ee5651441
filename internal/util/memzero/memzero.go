// Package memzero wipes key material from memory on a best-effort basis.
package memzero

import "crypto/subtle"

// Zero overwrites b with zeros in a constant-time friendly way.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}

// Zero32 wipes a fixed-size key such as an X25519 private key.
func Zero32(k *[32]byte) {
	Zero(k[:])
}
