package authmodel

import "errors"

// AuthErrorKind classifies a failed login, registration or OTP exchange.
type AuthErrorKind string

const (
	KindInvalidCredentials AuthErrorKind = "invalid_credentials"
	KindValidationFailed   AuthErrorKind = "validation_failed"
	KindDuplicateAccount   AuthErrorKind = "duplicate_account"
	KindOtpInvalid         AuthErrorKind = "otp_invalid"
	KindOtpExpired         AuthErrorKind = "otp_expired"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidationFailed   = errors.New("validation failed")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrOtpInvalid         = errors.New("invalid one-time code")
	ErrOtpExpired         = errors.New("one-time code expired")
)

var kindSentinels = map[AuthErrorKind]error{
	KindInvalidCredentials: ErrInvalidCredentials,
	KindValidationFailed:   ErrValidationFailed,
	KindDuplicateAccount:   ErrDuplicateAccount,
	KindOtpInvalid:         ErrOtpInvalid,
	KindOtpExpired:         ErrOtpExpired,
}

// AuthError is returned to the screen that started a login, registration or OTP exchange.
// It matches the sentinel for its kind with errors.Is.
type AuthError struct {
	Kind    AuthErrorKind
	Message string // Server supplied detail, may be empty
}

func NewAuthError(kind AuthErrorKind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

func (e *AuthError) Error() string {
	base := string(e.Kind)
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		base = sentinel.Error()
	}
	if e.Message == "" {
		return base
	}
	return base + ": " + e.Message
}

func (e *AuthError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// ParseAuthErrorKind maps a wire error code to a kind.
func ParseAuthErrorKind(code string) (AuthErrorKind, bool) {
	kind := AuthErrorKind(code)
	_, ok := kindSentinels[kind]
	return kind, ok
}
