// Package router is the MessageRouter: it encrypts outgoing plaintext and
// submits it to the transport, and decrypts incoming envelopes and fans
// them out to the listeners registered for their conversation.
//
// Listeners run in registration order on the transport's reader goroutine.
// A listener that fails or panics is reported on Errors and logged; the
// remaining listeners still run and the ratchet, which advanced before
// dispatch, is unaffected.
package router
