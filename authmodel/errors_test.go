package authmodel_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/stretchr/testify/require"
)

func TestAuthError_MatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("login: %w", authmodel.NewAuthError(authmodel.KindOtpExpired, ""))

	require.ErrorIs(t, err, authmodel.ErrOtpExpired)
	require.NotErrorIs(t, err, authmodel.ErrOtpInvalid)

	var authErr *authmodel.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, authmodel.KindOtpExpired, authErr.Kind)
}

func TestAuthError_Message(t *testing.T) {
	require.Equal(t, "invalid credentials", authmodel.NewAuthError(authmodel.KindInvalidCredentials, "").Error())
	require.Equal(t, "validation failed: email is required",
		authmodel.NewAuthError(authmodel.KindValidationFailed, "email is required").Error())
}

func TestParseAuthErrorKind(t *testing.T) {
	kind, ok := authmodel.ParseAuthErrorKind("duplicate_account")
	require.True(t, ok)
	require.Equal(t, authmodel.KindDuplicateAccount, kind)

	_, ok = authmodel.ParseAuthErrorKind("teapot")
	require.False(t, ok)
}
