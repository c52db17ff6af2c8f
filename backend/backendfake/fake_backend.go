// Package fakebackend is an in-memory auth API for tests and local demos. It issues
// real HS256 access tokens, rotating refresh tokens and expiring one-time codes.
package fakebackend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
	fakeuserrepo "github.com/jrsteele09/go-auth-session/users/repofake"
	"golang.org/x/oauth2"
)

var _ authmodel.Backend = (*FakeBackend)(nil)

const (
	defaultAccessTTL   = time.Hour
	defaultOTPTTL      = 5 * time.Minute
	refreshTokenLength = 32
)

type otpCode struct {
	code      string
	expiresAt time.Time
}

// FakeBackend implements authmodel.Backend in memory.
type FakeBackend struct {
	lock          sync.Mutex
	users         users.UserRepo
	passwords     map[string]string // User ID to bcrypt hash
	refreshTokens *refreshTokenStore
	revoked       *revokedTokens
	otps          map[string]otpCode
	calls         map[string]int

	signer    *hmacSigner
	source    oauth2.TokenSource
	nowTime   func() time.Time
	accessTTL time.Duration
	otpTTL    time.Duration
	rotate    bool
}

type Option func(*FakeBackend)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(f *FakeBackend) {
		f.nowTime = nowFunc
	}
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(f *FakeBackend) {
		f.accessTTL = d
	}
}

func WithOTPTTL(d time.Duration) Option {
	return func(f *FakeBackend) {
		f.otpTTL = d
	}
}

// WithRotation makes every refresh issue a new refresh token and revoke the old one.
func WithRotation(rotate bool) Option {
	return func(f *FakeBackend) {
		f.rotate = rotate
	}
}

// WithUserRepo stores accounts in repo instead of a private in-memory one.
func WithUserRepo(repo users.UserRepo) Option {
	return func(f *FakeBackend) {
		f.users = repo
	}
}

func WithSecret(secret string) Option {
	return func(f *FakeBackend) {
		f.signer = newHMACSigner(secret)
	}
}

func New(options ...Option) *FakeBackend {
	f := &FakeBackend{
		users:         fakeuserrepo.NewFakeUserRepo(),
		passwords:     make(map[string]string),
		refreshTokens: newRefreshTokenStore(),
		revoked:       newRevokedTokens(),
		otps:          make(map[string]otpCode),
		calls:         make(map[string]int),
		signer:        newHMACSigner(uuid.New().String()),
		nowTime:       time.Now,
		accessTTL:     defaultAccessTTL,
		otpTTL:        defaultOTPTTL,
		rotate:        true,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// SetTokenSource installs the bearer token source used to identify the caller of
// Logout and the profile calls, as an HTTP client would send it.
func (f *FakeBackend) SetTokenSource(src oauth2.TokenSource) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.source = src
}

// Calls returns how many times the named method ran.
func (f *FakeBackend) Calls(method string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[method]
}

// LastOTP returns the code most recently sent to phone, standing in for the SMS gateway.
func (f *FakeBackend) LastOTP(phone string) (string, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	otp, ok := f.otps[phone]
	return otp.code, ok
}

// RevokeRefreshTokens invalidates every refresh token of userID.
func (f *FakeBackend) RevokeRefreshTokens(userID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.refreshTokens.DeleteByUserID(userID)
}

// AddUser creates an account directly.
func (f *FakeBackend) AddUser(user users.User, password string) (users.User, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.addUserLocked(user, password)
}

func (f *FakeBackend) Login(_ context.Context, email, password string) (*authmodel.TokenResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["Login"]++

	user, err := f.users.GetByEmail(email)
	if err != nil || !users.CheckPasswordHash(password, f.passwords[user.ID]) {
		return nil, authmodel.NewAuthError(authmodel.KindInvalidCredentials, "")
	}
	return f.issueLocked(user.ID)
}

func (f *FakeBackend) Register(_ context.Context, req authmodel.RegisterRequest) (*authmodel.TokenResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["Register"]++

	if err := users.ValidatePasswordStrength(req.Password); err != nil {
		return nil, authmodel.NewAuthError(authmodel.KindValidationFailed, err.Error())
	}
	user, err := f.addUserLocked(users.User{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
		Role:  req.Role,
	}, req.Password)
	if err != nil {
		return nil, err
	}
	return f.issueLocked(user.ID)
}

func (f *FakeBackend) RefreshToken(_ context.Context, refreshToken string) (*authmodel.TokenResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["RefreshToken"]++

	stored, ok := f.refreshTokens.Get(refreshToken)
	if !ok {
		return nil, authmodel.NewAuthError(authmodel.KindInvalidCredentials, "refresh token not recognised")
	}
	id := stored.UserID
	if !f.rotate {
		user, err := f.users.GetByID(id)
		if err != nil {
			return nil, errors.Wrapf(err, "[FakeBackend.RefreshToken] load user")
		}
		access, err := f.signer.Sign(id, f.nowTime(), f.accessTTL)
		if err != nil {
			return nil, err
		}
		return &authmodel.TokenResponse{
			Token:     access,
			User:      *user,
			ExpiresIn: int(f.accessTTL / time.Second),
		}, nil
	}
	f.refreshTokens.Delete(refreshToken)
	return f.issueLocked(id)
}

func (f *FakeBackend) SendOTP(_ context.Context, phone string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["SendOTP"]++

	if strings.TrimSpace(phone) == "" {
		return authmodel.NewAuthError(authmodel.KindValidationFailed, "phone is required")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return errors.Wrapf(err, "[FakeBackend.SendOTP] generate code")
	}
	f.otps[phone] = otpCode{code: fmt.Sprintf("%06d", n.Int64()), expiresAt: f.nowTime().Add(f.otpTTL)}
	return nil
}

// VerifyOTP signs in the phone's account, creating it when the phone is new.
func (f *FakeBackend) VerifyOTP(_ context.Context, req authmodel.OTPVerification) (*authmodel.TokenResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["VerifyOTP"]++

	otp, ok := f.otps[req.Phone]
	if !ok || otp.code != req.OTP {
		return nil, authmodel.NewAuthError(authmodel.KindOtpInvalid, "")
	}
	if !f.nowTime().Before(otp.expiresAt) {
		delete(f.otps, req.Phone)
		return nil, authmodel.NewAuthError(authmodel.KindOtpExpired, "")
	}
	delete(f.otps, req.Phone)

	if user, err := f.users.GetByPhone(req.Phone); err == nil {
		return f.issueLocked(user.ID)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, authmodel.NewAuthError(authmodel.KindValidationFailed, "name is required for a new account")
	}
	user, err := f.addUserLocked(users.User{Name: req.Name, Phone: req.Phone}, "")
	if err != nil {
		return nil, err
	}
	return f.issueLocked(user.ID)
}

// Logout revokes the caller's refresh tokens and the access token the call was made with.
func (f *FakeBackend) Logout(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["Logout"]++

	claims, err := f.callerClaimsLocked(ctx)
	if err != nil {
		return err
	}
	f.refreshTokens.DeleteByUserID(claims.Subject)
	f.revoked.Add(claims.ID, claims.ExpiresAt.Time)
	return nil
}

func (f *FakeBackend) GetProfile(ctx context.Context) (*users.User, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["GetProfile"]++

	id, err := f.callerLocked(ctx)
	if err != nil {
		return nil, err
	}
	return f.users.GetByID(id)
}

func (f *FakeBackend) UpdateProfile(ctx context.Context, patch users.Patch) (*users.User, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["UpdateProfile"]++

	id, err := f.callerLocked(ctx)
	if err != nil {
		return nil, err
	}
	if patch.Role != nil && !patch.Role.Valid() {
		return nil, authmodel.NewAuthError(authmodel.KindValidationFailed, "unknown role")
	}
	current, err := f.users.GetByID(id)
	if err != nil {
		return nil, errors.Wrapf(err, "[FakeBackend.UpdateProfile] load user")
	}
	if patch.Email != nil {
		if other, err := f.users.GetByEmail(*patch.Email); err == nil && other.ID != id {
			return nil, authmodel.NewAuthError(authmodel.KindDuplicateAccount, "")
		}
	}
	if patch.Phone != nil && *patch.Phone != "" {
		if other, err := f.users.GetByPhone(*patch.Phone); err == nil && other.ID != id {
			return nil, authmodel.NewAuthError(authmodel.KindDuplicateAccount, "")
		}
	}
	updated := patch.Apply(*current)
	if err := f.users.Upsert(&updated); err != nil {
		return nil, errors.Wrapf(err, "[FakeBackend.UpdateProfile] store user")
	}
	return utils.Ptr(updated), nil
}

func (f *FakeBackend) ChangePassword(ctx context.Context, req authmodel.ChangePasswordRequest) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls["ChangePassword"]++

	id, err := f.callerLocked(ctx)
	if err != nil {
		return err
	}
	if !users.CheckPasswordHash(req.CurrentPassword, f.passwords[id]) {
		return authmodel.NewAuthError(authmodel.KindInvalidCredentials, "current password is wrong")
	}
	if err := users.ValidatePasswordStrength(req.NewPassword); err != nil {
		return authmodel.NewAuthError(authmodel.KindValidationFailed, err.Error())
	}
	hash, err := users.HashPassword(req.NewPassword)
	if err != nil {
		return errors.Wrapf(err, "[FakeBackend.ChangePassword] hash")
	}
	f.passwords[id] = hash
	return nil
}

func (f *FakeBackend) addUserLocked(user users.User, password string) (users.User, error) {
	if user.Role == "" {
		user.Role = users.RoleConsumer
	}
	if !user.Role.Valid() {
		return users.User{}, authmodel.NewAuthError(authmodel.KindValidationFailed, "unknown role")
	}
	if strings.TrimSpace(user.Email) == "" && user.Phone == "" {
		return users.User{}, authmodel.NewAuthError(authmodel.KindValidationFailed, "email or phone is required")
	}
	if _, err := f.users.GetByEmail(user.Email); user.Email != "" && err == nil {
		return users.User{}, authmodel.NewAuthError(authmodel.KindDuplicateAccount, "")
	}
	if _, err := f.users.GetByPhone(user.Phone); user.Phone != "" && err == nil {
		return users.User{}, authmodel.NewAuthError(authmodel.KindDuplicateAccount, "")
	}

	var hash string
	if password != "" {
		h, err := users.HashPassword(password)
		if err != nil {
			return users.User{}, errors.Wrapf(err, "[FakeBackend.addUser] hash")
		}
		hash = h
	}
	if err := f.users.Upsert(&user); err != nil {
		return users.User{}, errors.Wrapf(err, "[FakeBackend.addUser] store user")
	}
	if hash != "" {
		f.passwords[user.ID] = hash
	}
	return user, nil
}

func (f *FakeBackend) issueLocked(userID string) (*authmodel.TokenResponse, error) {
	user, err := f.users.GetByID(userID)
	if err != nil {
		return nil, errors.Wrapf(err, "[FakeBackend.issue] load user")
	}
	access, err := f.signer.Sign(userID, f.nowTime(), f.accessTTL)
	if err != nil {
		return nil, err
	}
	refreshBytes := make([]byte, refreshTokenLength)
	if _, err := rand.Read(refreshBytes); err != nil {
		return nil, errors.Wrapf(err, "[FakeBackend.issue] generate refresh token")
	}
	refresh := hex.EncodeToString(refreshBytes)
	f.refreshTokens.Upsert(storedRefreshToken{Token: refresh, UserID: userID, Iat: f.nowTime()})

	return &authmodel.TokenResponse{
		Token:        access,
		RefreshToken: &refresh,
		User:         *user,
		ExpiresIn:    int(f.accessTTL / time.Second),
	}, nil
}

type bearerKey struct{}

// ContextWithBearer attaches the access token a request was made with. It takes
// precedence over the installed token source.
func ContextWithBearer(ctx context.Context, accessToken string) context.Context {
	return context.WithValue(ctx, bearerKey{}, accessToken)
}

// callerLocked identifies the caller from the request's bearer token.
func (f *FakeBackend) callerLocked(ctx context.Context) (string, error) {
	claims, err := f.callerClaimsLocked(ctx)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (f *FakeBackend) callerClaimsLocked(ctx context.Context) (*jwt.RegisteredClaims, error) {
	access, ok := ctx.Value(bearerKey{}).(string)
	if !ok {
		if f.source == nil {
			return nil, errors.ErrNotAuthenticated
		}
		tok, err := f.source.Token()
		if err != nil {
			return nil, err
		}
		access = tok.AccessToken
	}
	now := f.nowTime()
	claims, err := f.signer.Verify(access, now)
	if err != nil {
		return nil, authmodel.NewAuthError(authmodel.KindInvalidCredentials, err.Error())
	}
	if f.revoked.IsRevoked(claims.ID, now) {
		return nil, authmodel.NewAuthError(authmodel.KindInvalidCredentials, "access token revoked")
	}
	if _, err := f.users.GetByID(claims.Subject); err != nil {
		return nil, authmodel.NewAuthError(authmodel.KindInvalidCredentials, "unknown user")
	}
	return claims, nil
}
