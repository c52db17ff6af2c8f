package fakebackend_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/authmodel"
	fakebackend "github.com/jrsteele09/go-auth-session/backend/backendfake"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
	fakeuserrepo "github.com/jrsteele09/go-auth-session/users/repofake"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "Secret123"
)

type fixture struct {
	now     time.Time
	backend *fakebackend.FakeBackend
}

func newFixture(t *testing.T, opts ...fakebackend.Option) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_750_000_000, 0)}
	opts = append([]fakebackend.Option{fakebackend.WithNowTime(func() time.Time { return f.now })}, opts...)
	f.backend = fakebackend.New(opts...)
	_, err := f.backend.AddUser(users.User{ID: "user-1", Name: "Ada", Email: testEmail}, testPassword)
	require.NoError(t, err)
	return f
}

func (f *fixture) signIn(t *testing.T) *authmodel.TokenResponse {
	t.Helper()
	resp, err := f.backend.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	f.backend.SetTokenSource(staticSource(resp.Token))
	return resp
}

func TestLogin(t *testing.T) {
	f := newFixture(t, fakebackend.WithAccessTTL(400*time.Second))

	resp, err := f.backend.Login(context.Background(), " ADA@example.com", testPassword)
	require.NoError(t, err)
	require.Equal(t, "user-1", resp.User.ID)
	require.Equal(t, users.RoleConsumer, resp.User.Role)
	require.Equal(t, 400, resp.ExpiresIn)
	require.NotEmpty(t, utils.Value(resp.RefreshToken))

	claims, err := token.Decode(resp.Token)
	require.NoError(t, err)
	require.Equal(t, f.now.Add(400*time.Second).Unix(), claims.ExpiresAt.Unix())
	require.Equal(t, "user-1", claims.Subject)

	_, err = f.backend.Login(context.Background(), testEmail, "wrong")
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
	_, err = f.backend.Login(context.Background(), "nobody@example.com", testPassword)
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
	require.Equal(t, 3, f.backend.Calls("Login"))
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.backend.Register(ctx, authmodel.RegisterRequest{Name: "Bob", Email: testEmail, Password: "Secret456"})
	require.ErrorIs(t, err, authmodel.ErrDuplicateAccount)

	_, err = f.backend.Register(ctx, authmodel.RegisterRequest{Name: "Bob", Email: "bob@example.com", Password: "short"})
	require.ErrorIs(t, err, authmodel.ErrValidationFailed)

	_, err = f.backend.Register(ctx, authmodel.RegisterRequest{Name: "Bob", Email: "bob@example.com", Password: "Secret456", Role: "wizard"})
	require.ErrorIs(t, err, authmodel.ErrValidationFailed)

	resp, err := f.backend.Register(ctx, authmodel.RegisterRequest{
		Name:     "Bob",
		Email:    "bob@example.com",
		Password: "Secret456",
		Role:     users.RoleProvider,
	})
	require.NoError(t, err)
	require.Equal(t, users.RoleProvider, resp.User.Role)
	require.NotEmpty(t, resp.User.ID)
}

func TestRefreshToken_Rotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.signIn(t)

	second, err := f.backend.RefreshToken(ctx, *first.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, *first.RefreshToken, *second.RefreshToken)

	_, err = f.backend.RefreshToken(ctx, *first.RefreshToken)
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
}

func TestRefreshToken_WithoutRotation(t *testing.T) {
	f := newFixture(t, fakebackend.WithRotation(false))
	ctx := context.Background()
	first := f.signIn(t)

	second, err := f.backend.RefreshToken(ctx, *first.RefreshToken)
	require.NoError(t, err)
	require.Nil(t, second.RefreshToken)

	_, err = f.backend.RefreshToken(ctx, *first.RefreshToken)
	require.NoError(t, err)
}

func TestRevokeRefreshTokens(t *testing.T) {
	f := newFixture(t)
	resp := f.signIn(t)

	f.backend.RevokeRefreshTokens("user-1")

	_, err := f.backend.RefreshToken(context.Background(), *resp.RefreshToken)
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
}

func TestOTP(t *testing.T) {
	f := newFixture(t, fakebackend.WithOTPTTL(time.Minute))
	ctx := context.Background()
	const phone = "+15550100"

	_, err := f.backend.VerifyOTP(ctx, authmodel.OTPVerification{Phone: phone, OTP: "123456"})
	require.ErrorIs(t, err, authmodel.ErrOtpInvalid)

	require.NoError(t, f.backend.SendOTP(ctx, phone))
	code, ok := f.backend.LastOTP(phone)
	require.True(t, ok)
	require.Len(t, code, 6)

	_, err = f.backend.VerifyOTP(ctx, authmodel.OTPVerification{Phone: phone, OTP: code})
	require.ErrorIs(t, err, authmodel.ErrValidationFailed, "new phone needs a name")

	require.NoError(t, f.backend.SendOTP(ctx, phone))
	code, _ = f.backend.LastOTP(phone)
	resp, err := f.backend.VerifyOTP(ctx, authmodel.OTPVerification{Phone: phone, OTP: code, Name: "Grace"})
	require.NoError(t, err)
	require.Equal(t, "Grace", resp.User.Name)
	require.Equal(t, phone, resp.User.Phone)

	// Codes are single use.
	_, err = f.backend.VerifyOTP(ctx, authmodel.OTPVerification{Phone: phone, OTP: code})
	require.ErrorIs(t, err, authmodel.ErrOtpInvalid)

	require.NoError(t, f.backend.SendOTP(ctx, phone))
	code, _ = f.backend.LastOTP(phone)
	f.now = f.now.Add(time.Minute)
	_, err = f.backend.VerifyOTP(ctx, authmodel.OTPVerification{Phone: phone, OTP: code})
	require.ErrorIs(t, err, authmodel.ErrOtpExpired)
}

func TestProfileCallsNeedCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.backend.GetProfile(ctx)
	require.ErrorIs(t, err, errors.ErrNotAuthenticated)

	f.signIn(t)
	user, err := f.backend.GetProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, "user-1", user.ID)

	_, err = f.backend.GetProfile(fakebackend.ContextWithBearer(ctx, "forged"))
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.backend.AddUser(users.User{Name: "Bob", Email: "bob@example.com"}, "Secret456")
	require.NoError(t, err)
	f.signIn(t)

	_, err = f.backend.UpdateProfile(ctx, users.Patch{Email: utils.Ptr("bob@example.com")})
	require.ErrorIs(t, err, authmodel.ErrDuplicateAccount)

	user, err := f.backend.UpdateProfile(ctx, users.Patch{Email: utils.Ptr("ada@lovelace.dev"), About: utils.Ptr("Analyst")})
	require.NoError(t, err)
	require.Equal(t, "Analyst", user.About)

	_, err = f.backend.Login(ctx, "ada@lovelace.dev", testPassword)
	require.NoError(t, err)
	_, err = f.backend.Login(ctx, testEmail, testPassword)
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signIn(t)

	err := f.backend.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "Secret456"})
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)
	err = f.backend.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: testPassword, NewPassword: "weak"})
	require.ErrorIs(t, err, authmodel.ErrValidationFailed)

	require.NoError(t, f.backend.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: testPassword, NewPassword: "Secret456"}))
	_, err = f.backend.Login(ctx, testEmail, "Secret456")
	require.NoError(t, err)
}

func TestLogout_RevokesTokens(t *testing.T) {
	f := newFixture(t)
	resp := f.signIn(t)

	require.NoError(t, f.backend.Logout(context.Background()))

	_, err := f.backend.RefreshToken(context.Background(), *resp.RefreshToken)
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials)

	_, err = f.backend.GetProfile(context.Background())
	require.ErrorIs(t, err, authmodel.ErrInvalidCredentials, "access token used for logout is revoked")
}

func staticSource(access string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access})
}

func TestWithUserRepo_SeesSeededAccounts(t *testing.T) {
	repo := fakeuserrepo.NewFakeUserRepo()
	fb := fakebackend.New(fakebackend.WithUserRepo(repo))
	_, err := fb.AddUser(users.User{Name: "Ada", Email: testEmail}, testPassword)
	require.NoError(t, err)

	stored, err := repo.GetByEmail(testEmail)
	require.NoError(t, err)

	resp, err := fb.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.Equal(t, stored.ID, resp.User.ID)
}
