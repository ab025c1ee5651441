package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/domain"
	"cipherline/internal/store"
)

func TestIdentity_SaveLoad_OK(t *testing.T) {
	var ids domain.IdentityStore = store.NewIdentityFileStore(t.TempDir())

	id := domain.Identity{
		XPub:   domain.X25519Public{1},
		XPriv:  domain.X25519Private{2},
		EdPub:  domain.Ed25519Public{3},
		EdPriv: domain.Ed25519Private{4},
	}
	require.NoError(t, ids.SaveIdentity("pass", id))

	got, err := ids.LoadIdentity("pass")
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestIdentity_WrongPassphrase_Fails(t *testing.T) {
	ids := store.NewIdentityFileStore(t.TempDir())
	require.NoError(t, ids.SaveIdentity("correct", domain.Identity{XPub: domain.X25519Public{1}}))

	_, err := ids.LoadIdentity("wrong")
	require.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestIdentity_Missing(t *testing.T) {
	_, err := store.NewIdentityFileStore(t.TempDir()).LoadIdentity("x")
	require.ErrorIs(t, err, store.ErrNoIdentity)
}

func preKeyStores(t *testing.T) map[string]domain.PreKeyStore {
	return map[string]domain.PreKeyStore{
		"file":   store.NewPreKeyFileStore(t.TempDir()),
		"memory": store.NewMemory(),
	}
}

func TestPreKeys_SignedRotationKeepsOld(t *testing.T) {
	for name, s := range preKeyStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.CurrentSignedPreKeyID()
			require.NoError(t, err)
			require.False(t, ok)

			old := domain.SignedPreKeyPair{ID: "spk-1", Pub: domain.X25519Public{1}, Signature: []byte{9}}
			next := domain.SignedPreKeyPair{ID: "spk-2", Pub: domain.X25519Public{2}}
			require.NoError(t, s.SaveSignedPreKey(old))
			require.NoError(t, s.SaveSignedPreKey(next))
			require.NoError(t, s.SetCurrentSignedPreKeyID(next.ID))

			cur, ok, err := s.CurrentSignedPreKeyID()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, next.ID, cur)

			got, ok, err := s.LoadSignedPreKey(old.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, old.Signature, got.Signature)
		})
	}
}

func TestPreKeys_OneTimeConsumedOnce(t *testing.T) {
	for name, s := range preKeyStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveOneTimePreKeys([]domain.OneTimePreKeyPair{
				{ID: "opk-b", Pub: domain.X25519Public{2}},
				{ID: "opk-a", Pub: domain.X25519Public{1}},
			}))

			pubs, err := s.ListOneTimePreKeyPublics()
			require.NoError(t, err)
			require.Len(t, pubs, 2)
			require.Equal(t, domain.OneTimePreKeyID("opk-a"), pubs[0].ID)

			_, ok, err := s.LoadOneTimePreKey("opk-a")
			require.NoError(t, err)
			require.True(t, ok)

			p, ok, err := s.ConsumeOneTimePreKey("opk-a")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, domain.X25519Public{1}, p.Pub)

			_, ok, err = s.ConsumeOneTimePreKey("opk-a")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestConsumedSet(t *testing.T) {
	for name, s := range map[string]domain.ConsumedPreKeyStore{
		"file":   store.NewConsumedFileStore(t.TempDir()),
		"memory": store.NewMemory(),
	} {
		t.Run(name, func(t *testing.T) {
			pub := domain.X25519Public{7}
			ok, err := s.IsConsumed("bob", pub)
			require.NoError(t, err)
			require.False(t, ok)

			fresh, err := s.MarkConsumed("bob", pub)
			require.NoError(t, err)
			require.True(t, fresh)
			fresh, err = s.MarkConsumed("bob", pub)
			require.NoError(t, err)
			require.False(t, fresh)
			ok, err = s.IsConsumed("bob", pub)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = s.IsConsumed("carol", pub)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSession_SaveLoadDelete(t *testing.T) {
	for name, s := range map[string]domain.SessionStore{
		"file":   store.NewSessionFileStore(t.TempDir()),
		"memory": store.NewMemory(),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.LoadSession()
			require.NoError(t, err)
			require.False(t, ok)

			sess := domain.Session{
				PrincipalID:   "alice",
				PrincipalKind: domain.PrincipalUser,
				Token:         "tok",
				ExpiresAt:     time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.SaveSession(sess))
			got, ok, err := s.LoadSession()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, sess.Token, got.Token)
			require.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

			require.NoError(t, s.DeleteSession())
			require.NoError(t, s.DeleteSession())
			_, ok, err = s.LoadSession()
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestConversationStores(t *testing.T) {
	bolt, err := store.OpenBoltConversationStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	for name, s := range map[string]domain.ConversationStore{
		"file":   store.NewConversationFileStore(t.TempDir()),
		"bolt":   bolt,
		"memory": store.NewMemory(),
	} {
		t.Run(name, func(t *testing.T) {
			id := domain.DirectConversationID("alice", "bob")
			_, ok, err := s.LoadConversation(id)
			require.NoError(t, err)
			require.False(t, ok)

			conv := domain.Conversation{
				ID:   id,
				Peer: "bob",
				State: domain.RatchetState{
					RootKey:      []byte{1, 2, 3},
					SendingPub:   domain.X25519Public{4},
					SendCounter:  5,
					SendChainKey: []byte{6},
					Skipped: []domain.SkippedKey{
						{RatchetPublic: domain.X25519Public{8}, Counter: 2, Key: []byte{9}},
					},
					Handshake: &domain.PreKeyMessage{
						InitiatorID:     "alice",
						SignedPreKeyID:  "spk-1",
						OneTimePreKeyID: "opk-1",
					},
				},
			}
			require.NoError(t, s.SaveConversation(conv))

			got, ok, err := s.LoadConversation(id)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, conv.Peer, got.Peer)
			require.Equal(t, conv.State.RootKey, got.State.RootKey)
			require.Equal(t, conv.State.SendCounter, got.State.SendCounter)
			require.Equal(t, conv.State.Skipped, got.State.Skipped)
			require.NotNil(t, got.State.Handshake)
			require.Equal(t, domain.OneTimePreKeyID("opk-1"), got.State.Handshake.OneTimePreKeyID)

			require.NoError(t, s.DeleteConversation(id))
			_, ok, err = s.LoadConversation(id)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}
