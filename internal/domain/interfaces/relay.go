package interfaces

import (
	"context"

	domaintypes "cipherline/internal/domain/types"
)

// Authenticator exchanges credentials for a session.
type Authenticator interface {
	Authenticate(ctx context.Context, creds domaintypes.Credentials) (domaintypes.Session, error)
}

// PrincipalClient reports who the bearer of a token is.
type PrincipalClient interface {
	CurrentPrincipal(ctx context.Context, token string) (domaintypes.Principal, error)
}

// BundleDirectory publishes our pre-key bundles and hands out peers'.
type BundleDirectory interface {
	PublishBundles(ctx context.Context, token string, bundles []domaintypes.PreKeyBundle) error
	FetchBundle(
		ctx context.Context,
		token string,
		peer domaintypes.PrincipalID,
	) (domaintypes.PreKeyBundle, error)
}
