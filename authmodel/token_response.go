package authmodel

import (
	"time"

	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
)

// TokenResponse is the body returned by every session-creating backend call
// (login, register, OTP verification) and by the refresh call.
type TokenResponse struct {
	// Token is the short-lived bearer access token.
	// Example: "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."
	// Usage: Sent as "Authorization: Bearer <token>"; only its exp claim is read client side
	Token string `json:"token"`

	// RefreshToken is the opaque, longer-lived credential exchanged for a new Token.
	// Optional: nil when the backend did not issue or rotate one
	// Behaviour: on refresh, a nil value keeps the previously stored refresh token
	RefreshToken *string `json:"refreshToken,omitempty"`

	// User is the profile of the authenticated account.
	// Note: ignored on refresh, which only ever changes tokens and expiry
	User users.User `json:"user"`

	// ExpiresIn is the lifetime of Token in seconds, counted from receipt.
	// Example: 3600
	// Usage: drives ExpiresAt and the refresh timer
	// Fallback: when absent or zero, the exp claim of Token is used instead
	ExpiresIn int `json:"expiresIn"`
}

// Lifetime returns ExpiresIn as a duration, or the time left on Token's exp claim
// at now when the backend sent no positive ExpiresIn.
func (tr *TokenResponse) Lifetime(now time.Time) time.Duration {
	if tr.ExpiresIn > 0 {
		return time.Duration(tr.ExpiresIn) * time.Second
	}
	return token.Remaining(tr.Token, now)
}

// RegisterRequest is the profile submitted when creating an account.
type RegisterRequest struct {
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Phone    string         `json:"phone,omitempty"`
	Password string         `json:"password"`
	Role     users.RoleType `json:"role"`
}

// ChangePasswordRequest is the body of the change-password call.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// OTPVerification is the body of the OTP verification call. Name is only used when
// the phone number has no account yet.
type OTPVerification struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
	Name  string `json:"name,omitempty"`
}
