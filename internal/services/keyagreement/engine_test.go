package keyagreement_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/clock"
	"cipherline/internal/crypto"
	"cipherline/internal/domain"
	"cipherline/internal/protocol/ratchet"
	"cipherline/internal/services/keyagreement"
	"cipherline/internal/store"
)

type peer struct {
	id    domain.PrincipalID
	ident domain.Identity
	mem   *store.Memory
	eng   *keyagreement.Engine
}

type packet struct {
	hs *domain.PreKeyMessage
	h  ratchet.Header
	ct []byte
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

func newPeer(t *testing.T, id domain.PrincipalID, opts ...keyagreement.Option) *peer {
	t.Helper()
	p := &peer{id: id, ident: newIdentity(t), mem: store.NewMemory()}
	p.eng = p.reopen(opts...)
	return p
}

func (p *peer) reopen(opts ...keyagreement.Option) *keyagreement.Engine {
	opts = append([]keyagreement.Option{keyagreement.WithLogger(quiet)}, opts...)
	return keyagreement.New(p.id, p.ident, p.mem, p.mem, p.mem, opts...)
}

func send(t *testing.T, p *peer, conv domain.ConversationID, msg string) packet {
	t.Helper()
	var out packet
	err := p.eng.Send(conv, func(mk ratchet.MessageKey, c domain.Conversation) error {
		ct, err := ratchet.Seal(mk, nil, []byte(msg))
		if err != nil {
			return err
		}
		out = packet{h: mk.Header, ct: ct}
		if c.State.Handshake != nil {
			hs := *c.State.Handshake
			out.hs = &hs
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func receive(p *peer, conv domain.ConversationID, from domain.PrincipalID, pkt packet) (string, error) {
	var out string
	err := p.eng.Receive(conv, from, pkt.hs, pkt.h, func(mk ratchet.MessageKey) error {
		pt, err := ratchet.Open(mk, nil, pkt.ct)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMessageAuthentication, err)
		}
		out = string(pt)
		return nil
	})
	return out, err
}

func establish(t *testing.T, alice, bob *peer) domain.ConversationID {
	t.Helper()
	conv := domain.DirectConversationID(alice.id, bob.id)
	bundle, err := bob.eng.GenerateBundle()
	require.NoError(t, err)
	_, err = alice.eng.InitiateSession(conv, bundle)
	require.NoError(t, err)
	return conv
}

func TestHelloFirstEnvelope(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)

	hello := send(t, alice, conv, "hello")
	require.NotNil(t, hello.hs, "first envelope must carry the handshake")
	require.Equal(t, uint32(0), hello.h.Counter)

	got, err := receive(bob, conv, alice.id, hello)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	reply := send(t, bob, conv, "hi alice")
	require.Nil(t, reply.hs)
	got, err = receive(alice, conv, bob.id, reply)
	require.NoError(t, err)
	require.Equal(t, "hi alice", got)

	st, ok, err := alice.eng.State(conv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, st.Handshake, "a reply proves the peer holds the session")

	next := send(t, alice, conv, "again")
	require.Nil(t, next.hs)
	got, err = receive(bob, conv, alice.id, next)
	require.NoError(t, err)
	require.Equal(t, "again", got)
}

func TestHandshakeRepeatsUntilFirstReply(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)

	first := send(t, alice, conv, "one")
	second := send(t, alice, conv, "two")
	require.NotNil(t, second.hs)
	require.Equal(t, first.hs.EphemeralKey, second.hs.EphemeralKey)

	// Delivered out of order: the second carries the same handshake.
	got, err := receive(bob, conv, alice.id, second)
	require.NoError(t, err)
	require.Equal(t, "two", got)
	got, err = receive(bob, conv, alice.id, first)
	require.NoError(t, err)
	require.Equal(t, "one", got)
}

func TestOneTimePreKeyReuseRejected(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := domain.DirectConversationID(alice.id, bob.id)
	bundle, err := bob.eng.GenerateBundle()
	require.NoError(t, err)

	_, err = alice.eng.InitiateSession(conv, bundle)
	require.NoError(t, err)
	_, err = alice.eng.InitiateSession(conv, bundle)
	require.ErrorIs(t, err, domain.ErrInvalidBundle)
}

func TestOneTimePreKeyClaimedOnceAcrossConversations(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	bundle, err := bob.eng.GenerateBundle()
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv := domain.ConversationID(fmt.Sprintf("group-%d", i))
			_, errs[i] = alice.eng.InitiateSession(conv, bundle)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrInvalidBundle)
	}
	require.Equal(t, 1, ok)
}

func TestMissingOneTimePreKey(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := domain.DirectConversationID(alice.id, bob.id)
	bundle, err := bob.eng.GenerateBundle()
	require.NoError(t, err)
	bundle.OneTimePreKey = nil

	_, err = alice.eng.InitiateSession(conv, bundle)
	require.ErrorIs(t, err, domain.ErrMissingOneTimePreKey)
	require.ErrorIs(t, err, domain.ErrInvalidBundle)

	alice.eng = alice.reopen(keyagreement.WithConfig(keyagreement.Config{AllowDegradedSessions: true}))
	st, err := alice.eng.InitiateSession(conv, bundle)
	require.NoError(t, err)
	require.True(t, st.Degraded)

	got, err := receive(bob, conv, alice.id, send(t, alice, conv, "no opk"))
	require.NoError(t, err)
	require.Equal(t, "no opk", got)
}

func TestBundleValidation(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := domain.DirectConversationID(alice.id, bob.id)

	tests := []struct {
		name   string
		mutate func(b *domain.PreKeyBundle)
	}{
		{"bad signature", func(b *domain.PreKeyBundle) { b.SignedPreKeySignature[0] ^= 1 }},
		{"short signature", func(b *domain.PreKeyBundle) { b.SignedPreKeySignature = b.SignedPreKeySignature[:10] }},
		{"zero identity", func(b *domain.PreKeyBundle) { b.IdentityKey = domain.X25519Public{} }},
		{"own bundle", func(b *domain.PreKeyBundle) { b.PrincipalID = alice.id }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle, err := bob.eng.GenerateBundle()
			require.NoError(t, err)
			bundle.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
			tt.mutate(&bundle)
			_, err = alice.eng.InitiateSession(conv, bundle)
			require.ErrorIs(t, err, domain.ErrInvalidBundle)
		})
	}
}

func TestResponderConsumesOneTimeKeyOnCommit(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)

	hello := send(t, alice, conv, "hello")
	opkID := hello.hs.OneTimePreKeyID

	tampered := hello
	tampered.ct = append([]byte(nil), hello.ct...)
	tampered.ct[0] ^= 0xff
	_, err := receive(bob, conv, alice.id, tampered)
	require.ErrorIs(t, err, domain.ErrMessageAuthentication)

	_, ok, err := bob.mem.LoadOneTimePreKey(opkID)
	require.NoError(t, err)
	require.True(t, ok, "one-time key must survive a failed open")
	_, ok, err = bob.eng.State(conv)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := receive(bob, conv, alice.id, hello)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
	_, ok, err = bob.mem.LoadOneTimePreKey(opkID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcceptSessionConsumesOneTimeKey(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)
	hello := send(t, alice, conv, "hello")

	_, err := bob.eng.AcceptSession(conv, alice.id, *hello.hs)
	require.NoError(t, err)
	got, err := receive(bob, conv, alice.id, hello)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	other := "other:" + conv
	_, err = bob.eng.AcceptSession(other, alice.id, *hello.hs)
	require.ErrorIs(t, err, domain.ErrInvalidBundle)
}

func TestReplayIsNotSuspect(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)
	hello := send(t, alice, conv, "hello")

	_, err := receive(bob, conv, alice.id, hello)
	require.NoError(t, err)
	_, err = receive(bob, conv, alice.id, hello)
	require.ErrorIs(t, err, domain.ErrReplayedMessage)

	c, _, err := bob.eng.Conversation(conv)
	require.NoError(t, err)
	require.False(t, c.Suspect)
}

func TestAuthenticationFailureMarksSuspect(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)
	_, err := receive(bob, conv, alice.id, send(t, alice, conv, "hello"))
	require.NoError(t, err)
	_, err = receive(alice, conv, bob.id, send(t, bob, conv, "ack"))
	require.NoError(t, err)

	bad := send(t, alice, conv, "tamper me")
	bad.ct[len(bad.ct)-1] ^= 1
	_, err = receive(bob, conv, alice.id, bad)
	require.ErrorIs(t, err, domain.ErrMessageAuthentication)

	c, _, err := bob.eng.Conversation(conv)
	require.NoError(t, err)
	require.True(t, c.Suspect)

	_, err = receive(bob, conv, alice.id, send(t, alice, conv, "after"))
	require.ErrorIs(t, err, domain.ErrConversationSuspect)
	err = bob.eng.Send(conv, func(ratchet.MessageKey, domain.Conversation) error { return nil })
	require.ErrorIs(t, err, domain.ErrConversationSuspect)

	// A fresh handshake replaces the suspect state.
	bundle, err := alice.eng.GenerateBundle()
	require.NoError(t, err)
	_, err = bob.eng.InitiateSession(conv, bundle)
	require.NoError(t, err)
	got, err := receive(alice, conv, bob.id, send(t, bob, conv, "fresh"))
	require.NoError(t, err)
	require.Equal(t, "fresh", got)
}

func TestSkipBudget(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)

	var pkts []packet
	for i := range 13 {
		pkts = append(pkts, send(t, alice, conv, fmt.Sprintf("m%d", i)))
	}

	// Counter 10 needs exactly ten skipped keys.
	got, err := receive(bob, conv, alice.id, pkts[10])
	require.NoError(t, err)
	require.Equal(t, "m10", got)
	got, err = receive(bob, conv, alice.id, pkts[3])
	require.NoError(t, err)
	require.Equal(t, "m3", got)

	carol, dave := newPeer(t, "carol"), newPeer(t, "dave")
	conv2 := establish(t, carol, dave)
	var far packet
	for i := range 12 {
		far = send(t, carol, conv2, fmt.Sprintf("m%d", i))
	}
	_, err = receive(dave, conv2, carol.id, far)
	require.ErrorIs(t, err, domain.ErrSkippedTooManyMessages)
}

func TestAbortedSendLeavesNoTrace(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)

	errAbort := errors.New("abort")
	err := alice.eng.Send(conv, func(ratchet.MessageKey, domain.Conversation) error { return errAbort })
	require.ErrorIs(t, err, errAbort)

	pkt := send(t, alice, conv, "first")
	require.Equal(t, uint32(0), pkt.h.Counter)
	got, err := receive(bob, conv, alice.id, pkt)
	require.NoError(t, err)
	require.Equal(t, "first", got)
}

func TestSendWithoutSession(t *testing.T) {
	alice := newPeer(t, "alice")
	err := alice.eng.Send("direct:alice:bob", func(ratchet.MessageKey, domain.Conversation) error { return nil })
	require.ErrorIs(t, err, keyagreement.ErrNoConversation)
}

func TestSimultaneousInitiationTieBreak(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := domain.DirectConversationID(alice.id, bob.id)

	ab, err := bob.eng.GenerateBundle()
	require.NoError(t, err)
	ba, err := alice.eng.GenerateBundle()
	require.NoError(t, err)
	_, err = alice.eng.InitiateSession(conv, ab)
	require.NoError(t, err)
	_, err = bob.eng.InitiateSession(conv, ba)
	require.NoError(t, err)

	fromAlice := send(t, alice, conv, "from alice")
	fromBob := send(t, bob, conv, "from bob")

	// alice < bob, so alice's session wins on both ends.
	_, err = receive(alice, conv, bob.id, fromBob)
	require.ErrorIs(t, err, keyagreement.ErrHandshakeConflict)
	got, err := receive(bob, conv, alice.id, fromAlice)
	require.NoError(t, err)
	require.Equal(t, "from alice", got)

	// A redelivery of the losing handshake stays refused.
	_, err = receive(alice, conv, bob.id, fromBob)
	require.ErrorIs(t, err, domain.ErrReplayedMessage)

	got, err = receive(alice, conv, bob.id, send(t, bob, conv, "ok"))
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}

func TestStatePersistsAcrossEngines(t *testing.T) {
	alice, bob := newPeer(t, "alice"), newPeer(t, "bob")
	conv := establish(t, alice, bob)
	_, err := receive(bob, conv, alice.id, send(t, alice, conv, "one"))
	require.NoError(t, err)

	bob.eng = bob.reopen()
	alice.eng = alice.reopen()

	got, err := receive(bob, conv, alice.id, send(t, alice, conv, "two"))
	require.NoError(t, err)
	require.Equal(t, "two", got)
	got, err = receive(alice, conv, bob.id, send(t, bob, conv, "three"))
	require.NoError(t, err)
	require.Equal(t, "three", got)

	require.NoError(t, bob.eng.Forget(conv))
	_, ok, err := bob.reopen().State(conv)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignedPreKeyRotation(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bob := newPeer(t, "bob", keyagreement.WithClock(clk))

	bundles, err := bob.eng.GenerateBundles(3)
	require.NoError(t, err)
	require.Len(t, bundles, 3)
	seen := map[domain.OneTimePreKeyID]bool{}
	for _, b := range bundles {
		require.Equal(t, bundles[0].SignedPreKeyID, b.SignedPreKeyID)
		require.NotNil(t, b.OneTimePreKey)
		require.False(t, seen[b.OneTimePreKey.ID])
		seen[b.OneTimePreKey.ID] = true
	}

	clk.Advance(24 * time.Hour)
	same, err := bob.eng.GenerateBundle()
	require.NoError(t, err)
	require.Equal(t, bundles[0].SignedPreKeyID, same.SignedPreKeyID)

	clk.Advance(7 * 24 * time.Hour)
	rotated, err := bob.eng.GenerateBundle()
	require.NoError(t, err)
	require.NotEqual(t, bundles[0].SignedPreKeyID, rotated.SignedPreKeyID)

	// The previous signed pre-key still serves in-flight handshakes.
	_, ok, err := bob.mem.LoadSignedPreKey(bundles[0].SignedPreKeyID)
	require.NoError(t, err)
	require.True(t, ok)

	alice := newPeer(t, "alice")
	conv := domain.DirectConversationID(alice.id, bob.id)
	_, err = alice.eng.InitiateSession(conv, bundles[1])
	require.NoError(t, err)
	got, err := receive(bob, conv, alice.id, send(t, alice, conv, "old spk"))
	require.NoError(t, err)
	require.Equal(t, "old spk", got)

	publics, err := bob.mem.ListOneTimePreKeyPublics()
	require.NoError(t, err)
	require.Len(t, publics, 4)
}
