package sessions

import (
	"time"

	"github.com/jrsteele09/go-auth-session/users"
)

// Storage keys. The access-token key doubles as the cross-context change signal.
const (
	KeyAccessToken  = "auth.access_token"
	KeyRefreshToken = "auth.refresh_token"
	KeyUser         = "auth.user"
	KeyExpiresAt    = "auth.expires_at"
)

// AllKeys lists every key a session occupies.
var AllKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyExpiresAt}

// Session is the authenticated identity plus credential material held by one context.
type Session struct {
	User         users.User
	AccessToken  string
	RefreshToken string    // Empty when the backend issued none
	ExpiresAt    time.Time // Absolute expiry of AccessToken, millisecond precision, UTC
}

// ExpiryFrom returns the absolute expiry of a token received at now with the given lifetime,
// at the precision it is persisted with.
func ExpiryFrom(now time.Time, lifetime time.Duration) time.Time {
	return now.Add(lifetime).UTC().Truncate(time.Millisecond)
}

// HasRefreshToken reports whether the session can be renewed.
func (s *Session) HasRefreshToken() bool {
	return s.RefreshToken != ""
}

// Clone returns a copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
