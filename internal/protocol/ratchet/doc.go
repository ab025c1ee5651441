// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// sees a new DH ratchet public key from its peer, both sides derive new chain
// keys from a new root derived via DH.
//
// Advance never mutates its input: it returns the message key together with the
// successor state, and callers commit the successor only once the message key
// has been used successfully. Out-of-order messages are tolerated up to a skip
// budget; keys for messages that have not arrived yet are cached in insertion
// order and the oldest are evicted first.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per conversation.
package ratchet
