package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"cipherline/internal/domain"
	"cipherline/internal/transport"
)

const routeWriteTimeout = 5 * time.Second

// peer is one live realtime connection.
type peer struct {
	id   domain.PrincipalID
	conn *transport.WSConn

	once sync.Once
}

func (p *peer) revoke() {
	p.once.Do(func() { _ = p.conn.CloseWith(transport.CloseUnauthorized, "token revoked") })
}

func (p *peer) supersede() {
	p.once.Do(func() { _ = p.conn.CloseWith(websocket.StatusPolicyViolation, "superseded") })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	g, ok := s.authorize(w, r)
	if !ok {
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{transport.Subprotocol}})
	if err != nil {
		s.log.Warn("relay.ws.accept", "principal", g.principal, "err", err)
		return
	}
	if c.Subprotocol() != transport.Subprotocol {
		_ = c.Close(websocket.StatusPolicyViolation, "subprotocol "+transport.Subprotocol+" required")
		return
	}

	p := &peer{id: g.principal, conn: transport.NewWSConn(c)}
	pending := s.attach(p)
	defer s.detach(p)

	ctx := r.Context()
	for i, f := range pending {
		if err := s.deliver(ctx, p, f); err != nil {
			s.requeue(p.id, pending[i:])
			return
		}
	}

	for {
		f, err := p.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("relay.ws.read", "principal", p.id, "err", err)
			}
			return
		}
		switch f.Type {
		case domain.FrameEnvelope:
			s.route(ctx, p, f)
		case domain.FrameProbe:
			if err := s.deliver(ctx, p, domain.Frame{Type: domain.FrameProbeAck, ID: f.ID}); err != nil {
				return
			}
		case domain.FrameProbeAck:
		default:
			_ = s.deliver(ctx, p, domain.Frame{Type: domain.FrameError, ID: f.ID, Error: "unknown frame type " + string(f.Type)})
		}
	}
}

// attach makes p the live connection of its principal and hands back the
// frames kept while it was offline.
func (s *Server) attach(p *peer) []domain.Frame {
	s.mu.Lock()
	old := s.online[p.id]
	s.online[p.id] = p
	pending := s.mailbox[p.id]
	delete(s.mailbox, p.id)
	s.mu.Unlock()

	if old != nil {
		old.supersede()
	}
	s.metrics.connections.Inc()
	s.log.Info("relay.ws.connected", "principal", p.id, "pending", len(pending))
	return pending
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	if s.online[p.id] == p {
		delete(s.online, p.id)
	}
	s.mu.Unlock()
	_ = p.conn.Close()
	s.metrics.connections.Dec()
	s.log.Info("relay.ws.disconnected", "principal", p.id)
}

func (s *Server) route(ctx context.Context, from *peer, f domain.Frame) {
	if f.To == "" || f.Envelope == nil {
		_ = s.deliver(ctx, from, domain.Frame{Type: domain.FrameError, ID: f.ID, Error: "envelope frame needs a recipient and an envelope"})
		return
	}
	f.From = from.id

	s.mu.Lock()
	dst := s.online[f.To]
	s.mu.Unlock()
	if dst != nil {
		if err := s.deliver(ctx, dst, f); err == nil {
			s.metrics.routed.Inc()
			return
		}
	}
	s.requeue(f.To, []domain.Frame{f})
}

func (s *Server) deliver(ctx context.Context, p *peer, f domain.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, routeWriteTimeout)
	defer cancel()
	return p.conn.Write(ctx, f)
}

// requeue keeps frames for an offline principal, dropping the oldest past
// mailboxLimit.
func (s *Server) requeue(id domain.PrincipalID, frames []domain.Frame) {
	s.mu.Lock()
	box := append(s.mailbox[id], frames...)
	if over := len(box) - mailboxLimit; over > 0 {
		box = box[over:]
		s.log.Warn("relay.mailbox.overflow", "principal", id, "dropped", over)
	}
	s.mailbox[id] = box
	s.mu.Unlock()
	s.metrics.mailboxed.Add(float64(len(frames)))
}

// Pending reports how many frames wait for id.
func (s *Server) Pending(id domain.PrincipalID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailbox[id])
}

// statusRecorder captures the response status for the access log. It
// passes Hijack through so the WebSocket upgrade still works.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("relay: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	r.wrote = true
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
