// Package token reads the expiry claim of an opaque bearer token.
//
// Tokens are parsed without signature verification: the backend is the authority and
// the client only needs exp to decide when to renew. Nothing here may be used to
// authorise an action.
package token

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// DefaultSkew treats a token as expired five minutes before the backend would reject it.
const DefaultSkew = 300 * time.Second

// ErrDecode is returned for tokens that are not three segments of base64url JSON with an exp claim.
var ErrDecode = errors.New("token decode failed")

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Claims is the subset of the payload the client consumes.
type Claims struct {
	ExpiresAt time.Time
	Subject   string
}

// Decode extracts the expiry claim from rawToken.
func Decode(rawToken string) (Claims, error) {
	unverified, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	claims, ok := unverified.Claims.(jwtlib.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("%w: unexpected claims type", ErrDecode)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if exp == nil {
		return Claims{}, fmt.Errorf("%w: missing exp claim", ErrDecode)
	}

	sub, _ := claims.GetSubject()
	return Claims{ExpiresAt: exp.Time, Subject: sub}, nil
}

// IsExpired reports whether rawToken expires within skew of now. Undecodable tokens are expired.
func IsExpired(rawToken string, skew time.Duration) bool {
	return IsExpiredAt(rawToken, skew, NowTimeFunc())
}

// IsExpiredAt is IsExpired against an explicit reference time.
func IsExpiredAt(rawToken string, skew time.Duration, now time.Time) bool {
	claims, err := Decode(rawToken)
	if err != nil {
		return true
	}
	return claims.ExpiresAt.Before(now.Add(skew))
}

// Remaining returns the time left before rawToken's exp, zero when expired or undecodable.
func Remaining(rawToken string, now time.Time) time.Duration {
	claims, err := Decode(rawToken)
	if err != nil {
		return 0
	}
	if left := claims.ExpiresAt.Sub(now); left > 0 {
		return left
	}
	return 0
}
