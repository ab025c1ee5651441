// Package keyagreement is the KeyAgreementEngine: it publishes pre-key
// bundles, runs X3DH in either role and owns the Double Ratchet state of
// every conversation.
//
// # Arena
//
// Conversations live in slots keyed by ConversationID. Each slot has its
// own mutex; the engine-wide lock only guards slot lookup, so unrelated
// conversations never contend. State is loaded lazily from the
// ConversationStore and written back after every committed mutation.
//
// # Commit rule
//
// Send and Receive derive the next state on a copy and hand the message key
// to a callback. The copy replaces the stored state only when the callback
// succeeds, so a failed AEAD open or an aborted send leaves no trace. On
// the responder side the named one-time pre-key is deleted at the same
// point.
//
// # Suspect conversations
//
// A protocol violation (failed authentication, an exhausted skip budget)
// marks the conversation suspect. Encrypt and decrypt then fail with
// domain.ErrConversationSuspect until a fresh handshake replaces the state.
// Replays are the exception. A consumed envelope fails with
// domain.ErrReplayedMessage and the conversation stays usable: a replay
// does not force re-keying, since an at-least-once relay redelivers
// legitimately. Old envelopes are recognised by their ratchet key for the
// last 1024 DH steps; anything older looks like a new step, fails
// authentication and does mark the conversation.
package keyagreement
