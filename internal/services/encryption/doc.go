// Package encryption turns plaintext into EncryptedEnvelopes and back using
// the conversation ratchets held by keyagreement.Engine.
//
// The associated data of every ciphertext is the deterministic CBOR
// encoding of the envelope without its ciphertext, so the conversation,
// sender, ratchet key, both counters and any attached handshake are all
// authenticated.
package encryption
