package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/domain"
	"cipherline/internal/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var errConnReset = errors.New("connection reset")

type fakeConn struct {
	in     chan domain.Frame
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	writes     []domain.Frame
	failWrites int
	readErr    chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan domain.Frame, 16),
		closed:  make(chan struct{}),
		readErr: make(chan error, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context) (domain.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case err := <-c.readErr:
		return domain.Frame{}, err
	case <-c.closed:
		return domain.Frame{}, io.EOF
	case <-ctx.Done():
		return domain.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	if c.failWrites > 0 {
		c.failWrites--
		return errConnReset
	}
	c.writes = append(c.writes, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// written returns the frames written so far, probes excluded unless
// withProbes is set.
func (c *fakeConn) written(withProbes bool) []domain.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Frame
	for _, f := range c.writes {
		if !withProbes && (f.Type == domain.FrameProbe || f.Type == domain.FrameProbeAck) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) lastProbe() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.writes) - 1; i >= 0; i-- {
		if c.writes[i].Type == domain.FrameProbe {
			return c.writes[i].ID, true
		}
	}
	return "", false
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	script  []dialResult
	dialed  []*fakeConn
	tokens  []string
	attempt int
}

func (d *fakeDialer) Dial(_ context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	var r dialResult
	if d.attempt < len(d.script) {
		r = d.script[d.attempt]
	}
	d.attempt++
	if r.err != nil {
		return nil, r.err
	}
	if r.conn == nil {
		r.conn = newFakeConn()
	}
	d.dialed = append(d.dialed, r.conn)
	return r.conn, nil
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.dialed) > i {
			c = d.dialed[i]
			return true
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return c
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempt
}

func expectState(t *testing.T, ch <-chan domain.StateChange, want domain.ConnectionState) domain.StateChange {
	t.Helper()
	select {
	case sc := <-ch:
		require.Equal(t, want, sc.To, "got %s -> %s (%v)", sc.From, sc.To, sc.Err)
		return sc
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state %s", want)
		return domain.StateChange{}
	}
}
