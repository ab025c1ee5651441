package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"cipherline/internal/codec"
	"cipherline/internal/domain"
)

// Subprotocol is negotiated on every relay connection.
const Subprotocol = "cipherline.v1"

// CloseUnauthorized is the close code a relay sends when it revokes the
// token of a live connection.
const CloseUnauthorized websocket.StatusCode = 4401

// MaxFrameBytes bounds a single inbound frame.
const MaxFrameBytes = 1 << 20

// Conn is one established connection carrying frames.
type Conn interface {
	Read(ctx context.Context) (domain.Frame, error)
	// Write must be safe to call concurrently with itself and Read.
	Write(ctx context.Context, f domain.Frame) error
	Close() error
}

// Dialer opens a Conn authenticated with a bearer token. A rejected token
// must be reported as domain.ErrUnauthenticated, anything else as
// domain.ErrNetwork.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WSDialer dials the relay's WebSocket endpoint.
type WSDialer struct {
	URL        string
	HTTPClient *http.Client
}

// Dial opens a WebSocket to the configured URL, authenticating with
// token as a bearer credential.
func (d WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + token}},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay rejected token", domain.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrNetwork, d.URL, err)
	}
	if c.Subprotocol() != Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: relay did not negotiate %s", domain.ErrNetwork, Subprotocol)
	}
	c.SetReadLimit(MaxFrameBytes)
	return &WSConn{c: c}, nil
}

// WSConn carries CBOR frames as binary WebSocket messages.
type WSConn struct {
	c *websocket.Conn
}

// NewWSConn wraps an accepted server-side connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	c.SetReadLimit(MaxFrameBytes)
	return &WSConn{c: c}
}

// Read blocks for the next frame. A 4401 close maps to
// domain.ErrUnauthenticated.
func (w *WSConn) Read(ctx context.Context) (domain.Frame, error) {
	mt, data, err := w.c.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == CloseUnauthorized {
			return domain.Frame{}, fmt.Errorf("%w: relay revoked token", domain.ErrUnauthenticated)
		}
		return domain.Frame{}, err
	}
	if mt != websocket.MessageBinary {
		return domain.Frame{}, errors.New("transport: unexpected text message")
	}
	var f domain.Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return domain.Frame{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return f, nil
}

// Write sends f as one binary message.
func (w *WSConn) Write(ctx context.Context, f domain.Frame) error {
	b, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return w.c.Write(ctx, websocket.MessageBinary, b)
}

// Close closes the socket with a normal closure.
func (w *WSConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// CloseWith closes the connection with an explicit status.
func (w *WSConn) CloseWith(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}
