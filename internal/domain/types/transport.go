package types

import "time"

// ConnectionState is the lifecycle state of the realtime transport.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange is published on every transport state transition.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
	At   time.Time
}

// FrameType discriminates transport frames.
type FrameType string

const (
	FrameEnvelope FrameType = "envelope"
	FrameProbe    FrameType = "probe"
	FrameProbeAck FrameType = "probe_ack"
	FrameError    FrameType = "error"
)

// Frame is the unit exchanged over the realtime connection. The relay
// routes envelope frames by To and stamps From with the authenticated
// sender.
type Frame struct {
	Type     FrameType          `cbor:"type"`
	ID       string             `cbor:"id"`
	To       PrincipalID        `cbor:"to,omitempty"`
	From     PrincipalID        `cbor:"from,omitempty"`
	Envelope *EncryptedEnvelope `cbor:"envelope,omitempty"`
	Error    string             `cbor:"error,omitempty"`
}
