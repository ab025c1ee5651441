package relay

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/argon2"

	"cipherline/internal/clock"
	"cipherline/internal/domain"
)

const (
	maxBodyBytes    = 1 << 20
	maxBundlesBatch = 500
	mailboxLimit    = 1024
	defaultTokenTTL = 24 * time.Hour
)

type account struct {
	kind domain.PrincipalKind
	salt []byte
	hash []byte
}

type grant struct {
	principal domain.PrincipalID
	kind      domain.PrincipalKind
	expires   time.Time
}

// pool holds the bundles a principal published. Fetches hand out one
// one-time key each.
type pool struct {
	bundles []domain.PreKeyBundle
	// last is served, without a one-time key, once bundles run out.
	last    domain.PreKeyBundle
}

// Server is the in-memory development relay.
type Server struct {
	log      *slog.Logger
	clock    clock.Clock
	tokenTTL time.Duration
	registry *prometheus.Registry
	metrics  serverMetrics
	mux      *http.ServeMux

	mu       sync.Mutex
	accounts map[domain.PrincipalID]account
	grants   map[string]grant
	pools    map[domain.PrincipalID]*pool
	online   map[domain.PrincipalID]*peer
	mailbox  map[domain.PrincipalID][]domain.Frame
}

type serverMetrics struct {
	logins      *prometheus.CounterVec
	routed      prometheus.Counter
	mailboxed   prometheus.Counter
	connections prometheus.Gauge
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the relay logger.
func WithServerLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.log = l } }

// WithServerClock sets the clock used for token expiry and request timing.
func WithServerClock(c clock.Clock) ServerOption { return func(s *Server) { s.clock = c } }

// WithTokenTTL sets how long issued tokens stay valid. Zero means they
// never expire.
func WithTokenTTL(d time.Duration) ServerOption { return func(s *Server) { s.tokenTTL = d } }

// NewServer returns an empty development relay.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:      slog.Default(),
		clock:    clock.Real(),
		tokenTTL: defaultTokenTTL,
		registry: prometheus.NewRegistry(),
		accounts: map[domain.PrincipalID]account{},
		grants:   map[string]grant{},
		pools:    map[domain.PrincipalID]*pool{},
		online:   map[domain.PrincipalID]*peer{},
		mailbox:  map[domain.PrincipalID][]domain.Frame{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = serverMetrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cipherline", Subsystem: "relay", Name: "logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		routed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherline", Subsystem: "relay", Name: "frames_routed_total",
			Help: "Envelope frames delivered to an online recipient.",
		}),
		mailboxed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherline", Subsystem: "relay", Name: "frames_mailboxed_total",
			Help: "Envelope frames kept for an offline recipient.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cipherline", Subsystem: "relay", Name: "connections",
			Help: "Open realtime connections.",
		}),
	}
	s.registry.MustRegister(s.metrics.logins, s.metrics.routed, s.metrics.mailboxed, s.metrics.connections)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.HandleFunc("POST /prekeys", s.handlePublish)
	mux.HandleFunc("GET /prekey/{id}", s.handleFetch)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux = mux
	return s
}

// ServeHTTP routes the REST API, the realtime gateway and /metrics.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := s.clock.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Info("relay.http",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"status", rec.status,
		"bytes", rec.bytes,
		"duration", s.clock.Now().Sub(start),
	)
}

// AddPrincipal creates an account directly, as /register would.
func (s *Server) AddPrincipal(id domain.PrincipalID, kind domain.PrincipalKind, secret string) error {
	if kind == "" {
		kind = domain.PrincipalUser
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok {
		return ErrConflict
	}
	s.accounts[id] = account{kind: kind, salt: salt, hash: hashSecret(secret, salt)}
	return nil
}

// Revoke drops every token of id and closes its live connection.
func (s *Server) Revoke(id domain.PrincipalID) {
	s.mu.Lock()
	for tok, g := range s.grants {
		if g.principal == id {
			delete(s.grants, tok)
		}
	}
	p := s.online[id]
	s.mu.Unlock()
	if p != nil {
		p.revoke()
	}
	s.log.Info("relay.revoked", "principal", id)
}

func hashSecret(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, 2, 19*1024, 1, 32)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if !decode(w, r, &creds) {
		return
	}
	creds.PrincipalID = domain.PrincipalID(strings.TrimSpace(creds.PrincipalID.String()))
	if creds.PrincipalID == "" || creds.Secret == "" {
		writeError(w, http.StatusBadRequest, "principal_id and secret are required")
		return
	}
	if creds.PrincipalKind != "" && !creds.PrincipalKind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown principal kind")
		return
	}
	if err := s.AddPrincipal(creds.PrincipalID, creds.PrincipalKind, creds.Secret); err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "principal exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("relay.registered", "principal", creds.PrincipalID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if !decode(w, r, &creds) {
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[creds.PrincipalID]
	s.mu.Unlock()
	if !ok || (creds.PrincipalKind != "" && creds.PrincipalKind != acct.kind) ||
		subtle.ConstantTimeCompare(hashSecret(creds.Secret, acct.salt), acct.hash) != 1 {
		s.metrics.logins.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess := domain.Session{PrincipalID: creds.PrincipalID, PrincipalKind: acct.kind, Token: hex.EncodeToString(buf)}
	if s.tokenTTL > 0 {
		sess.ExpiresAt = s.clock.Now().Add(s.tokenTTL).UTC()
	}
	s.mu.Lock()
	s.grants[sess.Token] = grant{principal: sess.PrincipalID, kind: acct.kind, expires: sess.ExpiresAt}
	s.mu.Unlock()

	s.metrics.logins.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	g, ok := s.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, domain.Principal{ID: g.principal, Kind: g.kind})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	g, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var req bundlesRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Bundles) == 0 || len(req.Bundles) > maxBundlesBatch {
		writeError(w, http.StatusBadRequest, "between 1 and 500 bundles required")
		return
	}
	for _, b := range req.Bundles {
		if b.PrincipalID != g.principal {
			writeError(w, http.StatusForbidden, "bundle for another principal")
			return
		}
	}

	s.mu.Lock()
	p := s.pools[g.principal]
	if p == nil {
		p = &pool{}
		s.pools[g.principal] = p
	}
	for _, b := range req.Bundles {
		if b.OneTimePreKey != nil {
			p.bundles = append(p.bundles, b)
		}
	}
	last := req.Bundles[len(req.Bundles)-1]
	last.OneTimePreKey = nil
	p.last = last
	available := len(p.bundles)
	s.mu.Unlock()

	s.log.Info("relay.bundles.published", "principal", g.principal, "count", len(req.Bundles), "available", available)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	id := domain.PrincipalID(r.PathValue("id"))

	s.mu.Lock()
	p := s.pools[id]
	var out domain.PreKeyBundle
	found := p != nil
	if found {
		if len(p.bundles) > 0 {
			out = p.bundles[0]
			p.bundles = p.bundles[1:]
		} else {
			out = p.last
		}
	}
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "no bundles published")
		return
	}
	if out.OneTimePreKey == nil {
		s.log.Warn("relay.bundles.exhausted", "principal", id)
	}
	writeJSON(w, http.StatusOK, out)
}

// authorize resolves the bearer token or answers 401.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (grant, bool) {
	g, ok := s.lookup(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	}
	return g, ok
}

func (s *Server) lookup(r *http.Request) (grant, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return grant{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[token]
	if !ok {
		return grant{}, false
	}
	if !g.expires.IsZero() && !s.clock.Now().Before(g.expires) {
		delete(s.grants, token)
		return grant{}, false
	}
	return g, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
