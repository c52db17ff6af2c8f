// Package rest is the JSON-over-HTTP implementation of authmodel.Backend.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var _ authmodel.Backend = (*Client)(nil)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Client calls the auth API. Calls made on behalf of a signed-in user carry the bearer
// token of the TokenSource installed with SetTokenSource.
type Client struct {
	baseURL    string
	public     *http.Client
	authorized *http.Client
	source     *sourceRef
	logger     zerolog.Logger
}

type Option func(*options)

type options struct {
	base    http.RoundTripper
	timeout time.Duration
	logger  zerolog.Logger
}

// WithTransport sets the underlying round tripper (primarily for testing)
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.base = rt
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func New(baseURL string, opts ...Option) *Client {
	o := options{
		base:    http.DefaultTransport,
		timeout: defaultTimeout,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	source := &sourceRef{}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		public:  &http.Client{Transport: o.base, Timeout: o.timeout},
		authorized: &http.Client{
			Transport: &oauth2.Transport{Source: source, Base: o.base},
			Timeout:   o.timeout,
		},
		source: source,
		logger: o.logger,
	}
}

// SetTokenSource installs the source of bearer tokens, normally the session service
// that owns this client.
func (c *Client) SetTokenSource(src oauth2.TokenSource) {
	c.source.set(src)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type otpRequest struct {
	Phone string `json:"phone"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*authmodel.TokenResponse, error) {
	var resp authmodel.TokenResponse
	if err := c.do(ctx, c.public, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, req authmodel.RegisterRequest) (*authmodel.TokenResponse, error) {
	var resp authmodel.TokenResponse
	if err := c.do(ctx, c.public, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*authmodel.TokenResponse, error) {
	var resp authmodel.TokenResponse
	if err := c.do(ctx, c.public, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendOTP(ctx context.Context, phone string) error {
	return c.do(ctx, c.public, http.MethodPost, "/auth/otp/send", otpRequest{Phone: phone}, nil)
}

func (c *Client) VerifyOTP(ctx context.Context, req authmodel.OTPVerification) (*authmodel.TokenResponse, error) {
	var resp authmodel.TokenResponse
	if err := c.do(ctx, c.public, http.MethodPost, "/auth/otp/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, c.authorized, http.MethodPost, "/auth/logout", nil, nil)
}

func (c *Client) GetProfile(ctx context.Context) (*users.User, error) {
	var user users.User
	if err := c.do(ctx, c.authorized, http.MethodGet, "/users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) UpdateProfile(ctx context.Context, patch users.Patch) (*users.User, error) {
	var user users.User
	if err := c.do(ctx, c.authorized, http.MethodPatch, "/users/me", patch, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) ChangePassword(ctx context.Context, req authmodel.ChangePasswordRequest) error {
	return c.do(ctx, c.authorized, http.MethodPost, "/users/me/password", req, nil)
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "[rest.Client] encode %s %s", method, path)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "[rest.Client] build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("auth API call failed")
		return fmt.Errorf("%w: %s %s: %w", errors.ErrBackend, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp, method, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decode response: %w", errors.ErrUnexpected, method, path, err)
	}
	return nil
}

// decodeError prefers the error code in the body and falls back to the status.
func (c *Client) decodeError(resp *http.Response, method, path string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if kind, ok := authmodel.ParseAuthErrorKind(eb.Error); ok {
			return authmodel.NewAuthError(kind, eb.Message)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return authmodel.NewAuthError(authmodel.KindInvalidCredentials, eb.Message)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return authmodel.NewAuthError(authmodel.KindValidationFailed, eb.Message)
	case resp.StatusCode == http.StatusConflict:
		return authmodel.NewAuthError(authmodel.KindDuplicateAccount, eb.Message)
	case resp.StatusCode == http.StatusGone && strings.HasPrefix(path, "/auth/otp/"):
		return authmodel.NewAuthError(authmodel.KindOtpExpired, eb.Message)
	}

	c.logger.Warn().Int("status", resp.StatusCode).Str("method", method).Str("path", path).Msg("auth API returned an error status")
	return fmt.Errorf("%w: %s %s: status %d", errors.ErrBackend, method, path, resp.StatusCode)
}

// sourceRef lets the client be built before the session service that supplies its tokens.
type sourceRef struct {
	lock sync.RWMutex
	src  oauth2.TokenSource
}

func (r *sourceRef) set(src oauth2.TokenSource) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.src = src
}

func (r *sourceRef) Token() (*oauth2.Token, error) {
	r.lock.RLock()
	src := r.src
	r.lock.RUnlock()
	if src == nil {
		return nil, errors.ErrNotAuthenticated
	}
	return src.Token()
}
