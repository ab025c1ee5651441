// Package app wires application dependencies for the CLI.
//
// Config is read with viper from <home>/config.toml. NewWire builds the
// concrete stores (file or bolt conversations) and the relay REST client
// from it. App sits on top: it owns the credential store and the
// transport for the life of the process, and binds a key agreement
// engine, an encryption engine and a router to whichever principal is
// logged in. When the relay rejects the token, either on a REST call or
// by closing the realtime connection, the session is invalidated and
// listeners are torn down.
package app
