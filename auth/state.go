package auth

import "github.com/jrsteele09/go-auth-session/users"

// State is the read-only projection UI consumers render from.
// User is non-nil exactly when IsAuthenticated is true.
type State struct {
	User            *users.User
	IsAuthenticated bool
	Loading         bool // True only while Init checks storage
}

// Transition reasons reported to metrics and logs.
const (
	reasonLogin         = "login"
	reasonRegister      = "register"
	reasonOTP           = "otp"
	reasonLoad          = "load"
	reasonLogout        = "logout"
	reasonExpired       = "expired"
	reasonRefreshFailed = "refresh_failed"
	reasonRemoteAdopt   = "remote_adopt"
	reasonRemoteLogout  = "remote_logout"
)
