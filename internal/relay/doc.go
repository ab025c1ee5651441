// Package relay talks to, and implements, the cipherline relay.
//
// Client is the REST collaborator of the SDK: it logs principals in,
// answers who a token belongs to, and publishes and fetches pre-key
// bundles. Requests are JSON over HTTP, take a context and carry the
// session token as a bearer credential. A 401 is reported as
// domain.ErrUnauthenticated and a failed round trip as domain.ErrNetwork;
// other non-2xx answers come back as *StatusError.
//
// Server is an in-memory development relay with the same REST surface plus
// the realtime WebSocket endpoint:
//
//	POST /register       create a principal with a secret
//	POST /login          exchange credentials for a bearer token
//	GET  /me             the principal behind the token
//	POST /prekeys        publish a batch of bundles
//	GET  /prekey/{id}    hand out one bundle; each one-time key only once
//	GET  /ws             realtime frames (CBOR over binary messages)
//	GET  /metrics        prometheus metrics
//
// The relay routes envelope frames to their To principal, stamping From
// with the authenticated sender, and keeps them in a mailbox while the
// recipient is offline. It never sees plaintext or private keys.
package relay
