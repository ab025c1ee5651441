package ids_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"cipherline/internal/ids"
)

func TestNewULIDCarriesTimestamp(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, err := ids.NewULID(now)
	require.NoError(t, err)
	require.Len(t, s, 26)

	parsed, err := ulid.Parse(s)
	require.NoError(t, err)
	require.Equal(t, ulid.Timestamp(now), parsed.Time())
}

func TestULIDsSortByTime(t *testing.T) {
	a := ids.MustULID(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	b := ids.MustULID(time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC))
	require.Less(t, a, b)
}
