package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")

	// ErrSessionExpired means the Core API rejected the stored refresh
	// token; the client has to start over with a new session.
	ErrSessionExpired = errors.New("session expired")

	// ErrServiceUnavailable means the Token Service could not be reached.
	ErrServiceUnavailable = errors.New("token service unavailable")

	// ErrUpstream wraps a protocol-level failure from the Token Service.
	ErrUpstream = errors.New("token service error")

	// ErrIssueLimited is matched by *IssueLimitedError.
	ErrIssueLimited = errors.New("session issuance limited")
)

// IssueLimitedError refuses a new identity for an address that minted too
// many recently.
type IssueLimitedError struct {
	RetryAfter int
}

func (e *IssueLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrIssueLimited, e.RetryAfter)
}

func (e *IssueLimitedError) Unwrap() error {
	return ErrIssueLimited
}

const emailDomain = "demo.eversaid.local"

// Session is an anonymous visitor bound to a synthetic Core API identity.
// TokenExpiresAt and ExpiresAt are independent: the first drives refresh,
// the second drives replacement.
type Session struct {
	ID             string
	CoreAPIEmail   string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
	IPAddress      string
}

// Expired reports whether the session itself is past its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// TokenStale reports whether the access token expires within threshold.
func (s *Session) TokenStale(now time.Time, threshold time.Duration) bool {
	return s.TokenExpiresAt.Before(now.Add(threshold))
}

// Resolution is the outcome of Manager.Resolve. Issued is set when the
// returned session differs from the one the client presented.
type Resolution struct {
	Session *Session
	Issued  bool
}

func syntheticEmail(id string) string {
	return fmt.Sprintf("anon-%s@%s", id, emailDomain)
}
