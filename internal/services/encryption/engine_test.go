package encryption_test

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/codec"
	"cipherline/internal/crypto"
	"cipherline/internal/domain"
	"cipherline/internal/services/encryption"
	"cipherline/internal/services/keyagreement"
	"cipherline/internal/store"
)

func newEngine(t *testing.T, self domain.PrincipalID) (*encryption.Engine, *keyagreement.Engine) {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	id := domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}

	mem := store.NewMemory()
	ka := keyagreement.New(self, id, mem, mem, mem,
		keyagreement.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return encryption.New(ka), ka
}

func pair(t *testing.T) (alice, bob *encryption.Engine, conv domain.ConversationID) {
	t.Helper()
	alice, aliceKA := newEngine(t, "alice")
	bob, bobKA := newEngine(t, "bob")
	conv = domain.DirectConversationID("alice", "bob")

	bundle, err := bobKA.GenerateBundle()
	require.NoError(t, err)
	_, err = aliceKA.InitiateSession(conv, bundle)
	require.NoError(t, err)
	return alice, bob, conv
}

// wire pushes env through the frame codec as the transport would.
func wire(t *testing.T, env domain.EncryptedEnvelope) domain.EncryptedEnvelope {
	t.Helper()
	raw, err := codec.Marshal(env)
	require.NoError(t, err)
	var out domain.EncryptedEnvelope
	require.NoError(t, codec.Unmarshal(raw, &out))
	return out
}

func TestEncryptDecrypt(t *testing.T) {
	alice, bob, conv := pair(t)

	env, err := alice.Encrypt(conv, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, domain.PrincipalID("alice"), env.SenderID)
	require.NotNil(t, env.Handshake)
	require.NotContains(t, string(env.Ciphertext), "hello")

	msg, err := bob.Decrypt(wire(t, env))
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg.Plaintext))
	require.Equal(t, conv, msg.ConversationID)
	require.Equal(t, domain.PrincipalID("alice"), msg.SenderID)

	reply, err := bob.Encrypt(conv, []byte("hi"))
	require.NoError(t, err)
	require.Nil(t, reply.Handshake)
	msg, err = alice.Decrypt(wire(t, reply))
	require.NoError(t, err)
	require.Equal(t, "hi", string(msg.Plaintext))
}

func TestCountersIncrease(t *testing.T) {
	alice, _, conv := pair(t)
	keys := map[domain.X25519Public]map[uint32]bool{}
	for i := range 5 {
		env, err := alice.Encrypt(conv, []byte("x"))
		require.NoError(t, err)
		require.Equal(t, uint32(i), env.Counter)
		if keys[env.SenderRatchetPublicKey] == nil {
			keys[env.SenderRatchetPublicKey] = map[uint32]bool{}
		}
		require.False(t, keys[env.SenderRatchetPublicKey][env.Counter])
		keys[env.SenderRatchetPublicKey][env.Counter] = true
	}
}

func TestHeaderIsAuthenticated(t *testing.T) {
	alice, bob, conv := pair(t)
	env, err := alice.Encrypt(conv, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.Decrypt(env)
	require.NoError(t, err)

	next, err := alice.Encrypt(conv, []byte("second"))
	require.NoError(t, err)
	next.Handshake = nil
	_, err = bob.Decrypt(next)
	require.ErrorIs(t, err, domain.ErrMessageAuthentication, "dropping the handshake changes the header")
}

func TestPreviousCounterIsAuthenticated(t *testing.T) {
	alice, bob, conv := pair(t)
	env, err := alice.Encrypt(conv, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.Decrypt(env)
	require.NoError(t, err)

	reply, err := bob.Encrypt(conv, []byte("reply"))
	require.NoError(t, err)
	_, err = alice.Decrypt(reply)
	require.NoError(t, err)

	more, err := bob.Encrypt(conv, []byte("more"))
	require.NoError(t, err)
	more.PreviousCounter += 3
	_, err = alice.Decrypt(more)
	require.ErrorIs(t, err, domain.ErrMessageAuthentication)
}

func TestReplayAndReorder(t *testing.T) {
	alice, bob, conv := pair(t)
	var envs []domain.EncryptedEnvelope
	for _, m := range []string{"a", "b", "c"} {
		env, err := alice.Encrypt(conv, []byte(m))
		require.NoError(t, err)
		envs = append(envs, env)
	}

	for _, i := range []int{2, 0, 1} {
		msg, err := bob.Decrypt(envs[i])
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}[i], string(msg.Plaintext))
	}
	_, err := bob.Decrypt(envs[1])
	require.ErrorIs(t, err, domain.ErrReplayedMessage)
}

func TestSkipBeyondBudget(t *testing.T) {
	alice, bob, conv := pair(t)
	var last domain.EncryptedEnvelope
	for range 12 {
		env, err := alice.Encrypt(conv, []byte("x"))
		require.NoError(t, err)
		last = env
	}
	_, err := bob.Decrypt(last)
	require.ErrorIs(t, err, domain.ErrSkippedTooManyMessages)
}

func TestSealCommitsOnlyOnHandOff(t *testing.T) {
	alice, bob, conv := pair(t)

	errOffline := errors.New("offline")
	err := alice.Seal(conv, []byte("lost"), func(domain.EncryptedEnvelope, domain.PrincipalID) error {
		return errOffline
	})
	require.ErrorIs(t, err, errOffline)

	var handed domain.EncryptedEnvelope
	var to domain.PrincipalID
	err = alice.Seal(conv, []byte("kept"), func(env domain.EncryptedEnvelope, peer domain.PrincipalID) error {
		handed, to = env, peer
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.PrincipalID("bob"), to)
	require.Equal(t, uint32(0), handed.Counter)

	msg, err := bob.Decrypt(handed)
	require.NoError(t, err)
	require.Equal(t, "kept", string(msg.Plaintext))
}

func TestDecryptRejectsOwnEnvelope(t *testing.T) {
	alice, _, conv := pair(t)
	env, err := alice.Encrypt(conv, []byte("echo"))
	require.NoError(t, err)
	_, err = alice.Decrypt(env)
	require.ErrorIs(t, err, domain.ErrMessageAuthentication)
}

func TestLateReplayDoesNotPoisonConversation(t *testing.T) {
	alice, bob, conv := pair(t)

	first, err := alice.Encrypt(conv, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.Decrypt(wire(t, first))
	require.NoError(t, err)

	for i := range 6 {
		env, err := bob.Encrypt(conv, []byte(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		_, err = alice.Decrypt(wire(t, env))
		require.NoError(t, err)

		env, err = alice.Encrypt(conv, []byte(fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
		_, err = bob.Decrypt(wire(t, env))
		require.NoError(t, err)
	}

	_, err = bob.Decrypt(wire(t, first))
	require.ErrorIs(t, err, domain.ErrReplayedMessage)

	env, err := alice.Encrypt(conv, []byte("still here"))
	require.NoError(t, err)
	msg, err := bob.Decrypt(wire(t, env))
	require.NoError(t, err)
	require.Equal(t, "still here", string(msg.Plaintext))
}

func TestConcurrentSealsGetDenseCounters(t *testing.T) {
	alice, bob, conv := pair(t)
	const n = 32

	var (
		mu     sync.Mutex
		handed []domain.EncryptedEnvelope
		wg     sync.WaitGroup
	)
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := alice.Seal(conv, []byte(fmt.Sprintf("m%d", i)), func(env domain.EncryptedEnvelope, _ domain.PrincipalID) error {
				mu.Lock()
				defer mu.Unlock()
				handed = append(handed, env)
				return nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, handed, n)
	require.True(t, slices.IsSortedFunc(handed, func(a, b domain.EncryptedEnvelope) int {
		return cmp.Compare(a.Counter, b.Counter)
	}), "envelopes reach the hand-off in counter order")
	for i, env := range handed {
		require.Equal(t, uint32(i), env.Counter)
		_, err := bob.Decrypt(wire(t, env))
		require.NoError(t, err)
	}
}

func TestSealHoldsOnlyItsConversation(t *testing.T) {
	alice, aliceKA := newEngine(t, "alice")
	_, bobKA := newEngine(t, "bob")
	_, carolKA := newEngine(t, "carol")
	toBob := domain.DirectConversationID("alice", "bob")
	toCarol := domain.DirectConversationID("alice", "carol")
	for conv, peer := range map[domain.ConversationID]*keyagreement.Engine{toBob: bobKA, toCarol: carolKA} {
		bundle, err := peer.GenerateBundle()
		require.NoError(t, err)
		_, err = aliceKA.InitiateSession(conv, bundle)
		require.NoError(t, err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	sealed := make(chan error, 1)
	go func() {
		sealed <- alice.Seal(toBob, []byte("held"), func(domain.EncryptedEnvelope, domain.PrincipalID) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	other := make(chan error, 1)
	go func() {
		_, err := alice.Encrypt(toCarol, []byte("free"))
		other <- err
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("encrypt on another conversation waited for the held one")
	}

	same := make(chan error, 1)
	go func() {
		_, err := alice.Encrypt(toBob, []byte("queued"))
		same <- err
	}()
	select {
	case <-same:
		close(release)
		t.Fatal("encrypt on the held conversation did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-sealed)
	require.NoError(t, <-same)
}
