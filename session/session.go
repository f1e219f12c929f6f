package session

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Session holds the credential bundle issued by the auth gateway after a
// successful sign-in or refresh. It is mirrored into the session store so a
// restart can pick up where the previous process left off; the gateway
// remains the authority on whether the tokens are still good.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty"`
}

// Claims are the advisory identity claims carried by an access token.
type Claims struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	Expiry    time.Time
}

// Valid reports whether the session carries enough state to be usable.
func (s *Session) Valid() bool {
	return s != nil && s.UserID != "" && s.AccessToken != ""
}

// IsExpired reports whether the access token has expired at the given time.
// A zero TokenExpiry means the gateway did not communicate an expiry and the
// token is treated as live.
func (s *Session) IsExpired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.TokenExpiry.IsZero() {
		return false
	}
	return now.After(s.TokenExpiry)
}

// ParseClaims extracts identity claims from a raw JWT access token without
// verifying the signature. Clients treat claims as advisory only; token
// validity is always the gateway's call.
func ParseClaims(rawToken string) (*Claims, error) {
	parser := jwtlib.NewParser()
	token, _, err := parser.ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, "[ParseClaims] ParseUnverified")
	}

	mapClaims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("[ParseClaims] unexpected claims type")
	}

	claims := &Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.UserID = sub
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if firstName, ok := mapClaims["first_name"].(string); ok {
		claims.FirstName = firstName
	}
	if lastName, ok := mapClaims["last_name"].(string); ok {
		claims.LastName = lastName
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.Expiry = exp.Time
	}
	return claims, nil
}
