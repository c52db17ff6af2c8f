package authmodel

import (
	"context"

	"github.com/jrsteele09/go-auth-session/users"
)

// Backend is the remote booking API as seen by the session service.
// Calls that need the current bearer token obtain it from the transport, not from arguments.
type Backend interface {
	Login(ctx context.Context, email, password string) (*TokenResponse, error)
	Register(ctx context.Context, req RegisterRequest) (*TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error)
	SendOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, req OTPVerification) (*TokenResponse, error)

	// Logout invalidates the session remotely. Callers treat it as best effort.
	Logout(ctx context.Context) error

	GetProfile(ctx context.Context) (*users.User, error)
	UpdateProfile(ctx context.Context, patch users.Patch) (*users.User, error)
	ChangePassword(ctx context.Context, req ChangePasswordRequest) error
}
