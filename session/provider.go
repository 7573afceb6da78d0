package session

import (
	"context"

	"shopfloor-api/domain"
)

// Session is the coarse view this package keeps of the provider's
// credential state. The token itself stays opaque to the manager.
type Session struct {
	UserID   string
	Email    string
	Metadata map[string]string
}

// AuthEvent identifies the provider notifications the manager reacts to.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// Provider is the hosted identity provider. Implementations wrap its
// REST surface; every method maps a provider failure to a plain error.
type Provider interface {
	// CurrentSession returns the session for the credentials the
	// provider holds, or nil when there is none. "No session" is not
	// an error.
	CurrentSession(ctx context.Context) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]string) error
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SendMagicLink(ctx context.Context, email, redirectTo string) error
	SendPasswordReset(ctx context.Context, email, redirectTo string) error
	SignOut(ctx context.Context) error
}

// ProfileStore reads profile rows keyed by identity id.
type ProfileStore interface {
	ProfileByID(ctx context.Context, id string) (domain.Profile, error)
}
