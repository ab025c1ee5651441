// Package transport is the TransportClient: a single WebSocket connection
// to the relay with reconnect, exponential backoff, heartbeats and a
// bounded outbound queue.
//
// # Goroutines
//
// Connect starts a supervisor that owns the connection. For each
// connection it runs one reader, which hands inbound frames to the Handler
// in arrival order, and one writer, which flushes the queue in submission
// order. The supervisor itself sends heartbeat probes and waits for their
// acknowledgement. A connection is fully torn down, reader included,
// before the next dial, so readers never overlap.
//
// # Delivery
//
// Submit never blocks. Frames wait in the queue while the connection is
// down; when the queue is full the oldest frame is dropped. A frame whose
// write fails is put back at the head and sent again on the next
// connection, so delivery is at-least-once.
//
// # States
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connecting -> ...
//
// A rejected token moves the client to Closed with domain.ErrUnauthenticated
// and stops retrying; Connect may be called again with a fresh session.
// Close is terminal.
package transport
