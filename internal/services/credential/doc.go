// Package credential owns the process's authenticated session.
//
// A Store exchanges credentials for a Session through the REST
// authenticator, persists it, restores it on start without touching the
// network and clears it on logout or when the server reports the token is
// no longer valid. At most one session is active per Store; every write
// happens under the Store's lock.
package credential
