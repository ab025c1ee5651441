package codec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cipherline/internal/codec"
	"cipherline/internal/domain"
)

func TestFrameEncodingIsDeterministic(t *testing.T) {
	f := domain.Frame{
		Type: domain.FrameEnvelope,
		ID:   "01J0000000000000000000000",
		To:   "bob",
		Envelope: &domain.EncryptedEnvelope{
			ConversationID: domain.DirectConversationID("alice", "bob"),
			SenderID:       "alice",
			Counter:        3,
			Ciphertext:     []byte{1, 2, 3},
		},
	}
	a, err := codec.Marshal(f)
	require.NoError(t, err)
	b, err := codec.Marshal(f)
	require.NoError(t, err)
	require.Equal(t, a, b)

	var got domain.Frame
	require.NoError(t, codec.Unmarshal(a, &got))
	require.Equal(t, f.Envelope.Counter, got.Envelope.Counter)
	require.Equal(t, f.Envelope.ConversationID, got.Envelope.ConversationID)
	require.Nil(t, got.Envelope.Handshake)
}

func TestTimeKeepsNanoseconds(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}
	in := stamped{At: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out stamped
	require.NoError(t, codec.Unmarshal(data, &out))
	require.True(t, in.At.Equal(out.At))
}
