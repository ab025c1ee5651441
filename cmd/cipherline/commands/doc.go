// Package commands defines the cipherline CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init             Create the local identity
//   - fingerprint      Print the identity fingerprint
//   - register         Create an account on the relay, log in and publish pre-keys
//   - login / logout   Manage the persisted session
//   - publish-prekeys  Upload a fresh batch of pre-key bundles
//   - start-session    Run the handshake with a peer's published bundle
//   - send             Encrypt and send a message
//   - listen           Stay connected and print decrypted messages
//
// # Implementation
//
// The root command resolves the home directory, reads config.toml from it
// and builds the stores and relay client before any subcommand runs.
// Commands that talk to peers build an app.App on top, restoring the
// persisted session.
package commands
