package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"cipherline/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// IdentityFingerprint covers both halves of an identity so that a swapped
// signing key changes what users compare. Groups of four hex chars.
func IdentityFingerprint(xpub domain.X25519Public, edpub domain.Ed25519Public) domain.Fingerprint {
	h := sha256.New()
	h.Write(xpub[:])
	h.Write(edpub[:])
	raw := hex.EncodeToString(h.Sum(nil)[:10])

	var b strings.Builder
	for i := 0; i < len(raw); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(raw[i : i+4])
	}
	return domain.Fingerprint(b.String())
}
