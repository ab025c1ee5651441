package types

import "time"

// Session is the authenticated principal and its bearer token.
type Session struct {
	PrincipalID   PrincipalID   `json:"principal_id"`
	PrincipalKind PrincipalKind `json:"principal_kind"`
	Token         string        `json:"token"`
	ExpiresAt     time.Time     `json:"expires_at,omitzero"`
}

// Expired reports whether the session carries an expiry that has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Credentials are what the application submits to authenticate.
type Credentials struct {
	PrincipalID   PrincipalID   `json:"principal_id"`
	PrincipalKind PrincipalKind `json:"principal_kind"`
	Secret        string        `json:"secret"`
}

// Principal is what the REST layer reports for the bearer of a token.
type Principal struct {
	ID          PrincipalID   `json:"id"`
	Kind        PrincipalKind `json:"kind"`
	DisplayName string        `json:"display_name,omitempty"`
}
