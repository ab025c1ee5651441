package domain

import "errors"

// Authentication failures. ErrInvalidCredentials and ErrUnauthenticated both
// match ErrAuthenticationFailure under errors.Is.
var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrInvalidCredentials    = wrapKind(ErrAuthenticationFailure, "invalid credentials")
	ErrUnauthenticated       = wrapKind(ErrAuthenticationFailure, "unauthenticated")
)

// ErrNetwork covers unreachable hosts, dial failures and timeouts.
var ErrNetwork = errors.New("network error")

// Protocol violations.
var (
	ErrInvalidBundle          = errors.New("invalid pre-key bundle")
	ErrMissingOneTimePreKey   = wrapKind(ErrInvalidBundle, "bundle has no one-time pre-key")
	ErrSkippedTooManyMessages = errors.New("too many skipped messages")
	ErrReplayedMessage        = errors.New("replayed message")
	ErrMessageAuthentication  = errors.New("message authentication failed")
	ErrConversationSuspect    = errors.New("conversation is suspect; a new handshake is required")
)

// Pipeline failures.
var (
	ErrListener          = errors.New("listener failed")
	ErrEncryptionFailure = errors.New("encryption failure")
	ErrTransportFailure  = errors.New("transport failure")
	ErrClosed            = errors.New("closed")
)

type kindError struct {
	parent error
	msg    string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

func wrapKind(parent error, msg string) error {
	return &kindError{parent: parent, msg: msg}
}
