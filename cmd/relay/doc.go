// Package main runs the in-memory relay used by cipherline during
// development and tests.
//
// The relay serves the REST surface the SDK consumes (/register, /login,
// /me, /prekeys, /prekey/{id}), the realtime WebSocket endpoint /ws and
// prometheus metrics on /metrics. See package relay for the wire details.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Secrets are stored as argon2id hashes; tokens are random and expire
//     after --token-ttl.
//   - Envelope frames for an offline principal are kept in a bounded
//     mailbox and flushed when it connects.
//   - A lightweight access log records method, path, remote, status, bytes
//     and duration for each request.
//   - The default listen address is :8080.
//
// Flags can also be set from a TOML file given with --config, using the
// keys addr, token_ttl, log.level and log.format.
//
// The relay never sees plaintext or private keys; it only stores
// ciphertext and public bundles.
package main
