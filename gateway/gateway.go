package gateway

import (
	"context"

	"github.com/jrsteele09/go-session-reconciler/session"
)

// Event is an auth-change notification kind emitted by the gateway.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Metadata is the optional identity metadata supplied at sign-up and echoed
// back by the gateway for profile creation.
type Metadata struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Listener receives auth-change events. A TOKEN_REFRESHED event with a nil
// session means the refresh failed and the session is gone.
type Listener func(event Event, sess *session.Session)

// Gateway is the remote auth service contract. CurrentSession and
// RefreshSession return (nil, nil) when the gateway authoritatively reports
// no session; errors mean the gateway could not answer.
type Gateway interface {
	CurrentSession(ctx context.Context) (*session.Session, error)
	RefreshSession(ctx context.Context) (*session.Session, error)
	SignIn(ctx context.Context, email, password string) (*session.Session, error)
	SignUp(ctx context.Context, email, password string, metadata Metadata) error
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	// Subscribe registers an auth-change listener and returns its
	// unsubscribe handle. Listeners may fire before the caller's own
	// bootstrap work completes.
	Subscribe(listener Listener) (unsubscribe func())
}
