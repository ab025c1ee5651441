// Package store provides persistence for the SDK's local state.
//
// It contains concrete implementations of the domain storage interfaces.
// File stores serialise JSON under the configured home directory with
// atomic temp-file-and-rename writes; the bolt store keeps conversations in
// a single bbolt database encoded with the shared CBOR codec; the memory
// store backs tests and ephemeral clients. All methods are
// concurrency-safe via internal locking.
//
// The package includes stores for:
//   - Identity keys, sealed under a passphrase (IdentityFileStore)
//   - Signed and one-time pre-keys (PreKeyFileStore)
//   - Peer one-time pre-keys already used (ConsumedFileStore)
//   - The authenticated session (SessionFileStore)
//   - Double Ratchet conversation state (ConversationFileStore, BoltConversationStore)
package store
