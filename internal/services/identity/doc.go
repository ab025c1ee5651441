// Package identity manages creation, sealing and loading of the device identity.
//
// It enforces passphrase policy, generates the X25519 (key agreement) and
// Ed25519 (signed pre-key signatures) pairs once per install, and persists
// them through a domain.IdentityStore. The private halves never leave the
// device.
package identity
