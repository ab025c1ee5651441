package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cipherline/internal/services/identity"
	"cipherline/internal/store"
)

const strong = "Corr3ct-Horse-Battery"

func TestGenerateIdentity(t *testing.T) {
	svc := identity.New(store.NewMemory())

	id, fp, err := svc.GenerateIdentity(strong)
	require.NoError(t, err)
	require.False(t, id.XPub.IsZero())
	require.Equal(t, identity.Fingerprint(id), fp)

	got, err := svc.FingerprintIdentity(strong)
	require.NoError(t, err)
	require.Equal(t, fp, got)
}

func TestGenerateIdentityRefusesWeakPassphrase(t *testing.T) {
	svc := identity.New(store.NewMemory())
	for _, p := range []string{"short", "alllowercase-but-long1", "NoDigitsHere!!", "NoSymbols1234abc"} {
		_, _, err := svc.GenerateIdentity(p)
		require.ErrorIs(t, err, identity.ErrWeakPassphrase, p)
	}
}

func TestGenerateIdentityDoesNotOverwrite(t *testing.T) {
	svc := identity.New(store.NewIdentityFileStore(t.TempDir()))
	_, _, err := svc.GenerateIdentity(strong)
	require.NoError(t, err)

	_, _, err = svc.GenerateIdentity(strong)
	require.ErrorIs(t, err, identity.ErrIdentityExists)
	_, _, err = svc.GenerateIdentity("Anoth3r-Passphrase!")
	require.ErrorIs(t, err, identity.ErrIdentityExists)
}
