package coreapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens is the token pair issued by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// ExpiresAt derives the access token expiry. It prefers expires_in, then the
// exp claim of the access token, then now+fallback. The token signature is
// not verified; the Core API is the only party that checks it.
func (t *Tokens) ExpiresAt(now time.Time, fallback time.Duration) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(fallback)
}
