// Package crypto exposes the minimal primitives the SDK builds on.
//
// Contents
//
//   - X25519 key generation and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Short public-key fingerprints for display and logging (Fingerprint,
//     IdentityFingerprint)
//
// # Notes
//
// Functions return the fixed-size array types defined in internal/domain.
// DH rejects low-order peer points, which surface as an all-zero shared
// secret. Callers wipe secrets with memzero.Zero when practical.
package crypto
