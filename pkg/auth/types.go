package auth

import (
	"context"
	"errors"
	"time"
)

// Identity is the externally authenticated user for the current session.
// It is issued by the identity provider and never mutated here.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	// ExpiresAt is the expiry of the credential that proved this identity
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// EventType names an identity provider lifecycle notification
type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"
	EventInitialSession EventType = "initial_session"
)

// Event is a lifecycle notification. Identity is nil for EventSignedOut and for
// an EventInitialSession without a stored session.
type Event struct {
	Type     EventType
	Identity *Identity
}

var (
	// ErrNoSession means there is no session to restore or sign out of
	ErrNoSession = errors.New("no active session")
	// ErrInvalidRefreshToken means the stored refresh credential was rejected or expired
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrAuthFailed means the provider rejected the supplied credentials
	ErrAuthFailed = errors.New("authentication failed")
)

// Provider is the external authentication service
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	// SignOut ends the session; ErrNoSession when there is none
	SignOut(ctx context.Context) error
	// GetSession restores the persisted session, returning ErrNoSession when none is stored
	GetSession(ctx context.Context) (*Identity, error)
	// Events delivers lifecycle notifications until the provider is closed
	Events() <-chan Event
}
