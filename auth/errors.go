package auth

import "errors"

var (
	ErrDisposed      = errors.New("session service disposed")
	ErrEmptyResponse = errors.New("backend returned no token")
	ErrUserMismatch  = errors.New("profile belongs to a different user")
)
