package app_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/app"
	"cipherline/internal/domain"
	"cipherline/internal/relay"
	"cipherline/internal/services/router"
)

const passphrase = "Correct-Horse-9-Battery!"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type device struct {
	cfg  app.Config
	wire *app.Wire
	app  *app.App
}

func newRelay(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	srv := relay.NewServer(relay.WithServerLogger(quiet))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs
}

func newDevice(t *testing.T, hs *httptest.Server, home, backend string) *device {
	t.Helper()
	cfg := app.Config{Home: home, RelayURL: hs.URL, HTTP: hs.Client(), Backend: backend}
	w, err := app.NewWire(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	if _, err := w.IDs.LoadIdentity(passphrase); err != nil {
		_, _, err = w.IDs.GenerateIdentity(passphrase)
		require.NoError(t, err)
	}
	a, err := app.New(cfg, w, passphrase, app.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &device{cfg: cfg, wire: w, app: a}
}

func credsFor(id domain.PrincipalID) domain.Credentials {
	return domain.Credentials{PrincipalID: id, Secret: "secret-" + id.String()}
}

// online registers id, logs in, publishes bundles and connects.
func online(t *testing.T, hs *httptest.Server, id domain.PrincipalID, backend string) *device {
	t.Helper()
	ctx := context.Background()
	d := newDevice(t, hs, t.TempDir(), backend)
	require.NoError(t, d.wire.Relay.Register(ctx, credsFor(id)))
	_, err := d.app.Authenticate(ctx, credsFor(id))
	require.NoError(t, err)
	n, err := d.app.PublishPreKeys(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, d.app.Connect(ctx))
	require.Equal(t, domain.Connected, d.app.State())
	return d
}

func inbox(t *testing.T, d *device, conv domain.ConversationID) <-chan domain.Message {
	t.Helper()
	ch := make(chan domain.Message, 8)
	_, err := d.app.RegisterListener(conv, router.ListenerFunc(func(_ context.Context, m domain.Message) error {
		ch <- m
		return nil
	}))
	require.NoError(t, err)
	return ch
}

func next(t *testing.T, ch <-chan domain.Message) domain.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return domain.Message{}
	}
}

func TestHelloOverRelay(t *testing.T) {
	_, hs := newRelay(t)
	ctx := context.Background()
	alice := online(t, hs, "alice", app.BackendBolt)
	bob := online(t, hs, "bob", app.BackendFile)

	conv, err := alice.app.StartConversation(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, domain.DirectConversationID("alice", "bob"), conv)

	bobInbox := inbox(t, bob, conv)
	aliceInbox := inbox(t, alice, conv)

	receipt, err := alice.app.Send(ctx, conv, []byte("hello"))
	require.NoError(t, err)
	require.False(t, receipt.Queued)
	require.Zero(t, receipt.Counter)

	m := next(t, bobInbox)
	require.Equal(t, "hello", string(m.Plaintext))
	require.Equal(t, domain.PrincipalID("alice"), m.SenderID)

	_, err = bob.app.Send(ctx, conv, []byte("hi alice"))
	require.NoError(t, err)
	m = next(t, aliceInbox)
	require.Equal(t, "hi alice", string(m.Plaintext))

	again, err := alice.app.StartConversation(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, conv, again)
	c, ok, err := alice.app.Conversation(conv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, c.State.Handshake)
}

func TestQueuedWhilePeerOffline(t *testing.T) {
	srv, hs := newRelay(t)
	ctx := context.Background()
	alice := online(t, hs, "alice", app.BackendFile)
	bob := online(t, hs, "bob", app.BackendFile)
	bob.app.Disconnect()

	conv, err := alice.app.StartConversation(ctx, "bob")
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := alice.app.Send(ctx, conv, []byte(text))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return srv.Pending("bob") == 2 }, 5*time.Second, 10*time.Millisecond)

	ch := inbox(t, bob, conv)
	require.NoError(t, bob.app.Connect(ctx))
	require.Equal(t, "one", string(next(t, ch).Plaintext))
	require.Equal(t, "two", string(next(t, ch).Plaintext))
}

func TestRestoreWithoutSession(t *testing.T) {
	_, hs := newRelay(t)
	d := newDevice(t, hs, t.TempDir(), app.BackendFile)

	_, ok, err := d.app.Restore()
	require.NoError(t, err)
	require.False(t, ok)

	_, err = d.app.Send(context.Background(), domain.DirectConversationID("alice", "bob"), []byte("x"))
	require.ErrorIs(t, err, domain.ErrAuthenticationFailure)
	require.ErrorIs(t, d.app.Connect(context.Background()), domain.ErrUnauthenticated)
	_, err = d.app.StartConversation(context.Background(), "bob")
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestRestoreAfterLogin(t *testing.T) {
	_, hs := newRelay(t)
	ctx := context.Background()
	home := t.TempDir()

	first := newDevice(t, hs, home, app.BackendFile)
	require.NoError(t, first.wire.Relay.Register(ctx, credsFor("alice")))
	_, err := first.app.Authenticate(ctx, credsFor("alice"))
	require.NoError(t, err)
	require.NoError(t, first.app.Close())

	second := newDevice(t, hs, home, app.BackendFile)
	sess, ok, err := second.app.Restore()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PrincipalID("alice"), sess.PrincipalID)

	p, err := second.app.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.PrincipalID("alice"), p.ID)

	require.NoError(t, second.app.Logout())
	_, ok = second.app.Session()
	require.False(t, ok)
}

func TestRevokedTokenInvalidatesSession(t *testing.T) {
	srv, hs := newRelay(t)
	alice := online(t, hs, "alice", app.BackendFile)
	conv := domain.DirectConversationID("alice", "bob")
	_ = inbox(t, alice, conv)

	srv.Revoke("alice")

	require.Eventually(t, func() bool {
		_, ok := alice.app.Session()
		return !ok && alice.app.State() == domain.Closed
	}, 5*time.Second, 10*time.Millisecond)

	_, err := alice.app.Send(context.Background(), conv, []byte("x"))
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, ok, err := alice.wire.Sessions.LoadSession()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadConfig(t *testing.T) {
	home := t.TempDir()
	cfg, err := app.LoadConfig(home, nil)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080", cfg.RelayURL)
	require.Equal(t, app.BackendFile, cfg.Backend)
	require.Equal(t, 10, cfg.KeyAgreement.MaxSkippedMessageKeys)
	require.Equal(t, 25*time.Second, cfg.Transport.HeartbeatInterval)

	toml := `
[relay]
url = "https://relay.example.com/api"

[store]
backend = "bolt"

[ratchet]
max_skipped = 32

[transport]
heartbeat_interval = "10s"
max_reconnect_attempts = 5
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(toml), 0o600))
	cfg, err = app.LoadConfig(home, nil)
	require.NoError(t, err)
	require.Equal(t, app.BackendBolt, cfg.Backend)
	require.Equal(t, 32, cfg.KeyAgreement.MaxSkippedMessageKeys)
	require.Equal(t, 10*time.Second, cfg.Transport.HeartbeatInterval)
	require.Equal(t, 5, cfg.Transport.MaxReconnectAttempts)

	u, err := cfg.RealtimeURL()
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/api/ws", u)

	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte("[store]\nbackend = \"sqlite\"\n"), 0o600))
	_, err = app.LoadConfig(home, nil)
	require.Error(t, err)
}
