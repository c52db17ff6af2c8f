// Package auth holds the session facade: the single authoritative answer to "who is
// logged in" for one context, kept renewed and in step with sibling contexts.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/crosstab"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	interrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	_ refresh.Owner      = (*SessionService)(nil)
	_ crosstab.Adopter   = (*SessionService)(nil)
	_ oauth2.TokenSource = (*SessionService)(nil)
)

// Deps holds the collaborators of a SessionService.
type Deps struct {
	Backend authmodel.Backend // Remote auth API
	KV      storage.KV        // This context's handle on the shared session storage
}

// SessionService owns one context's session. Every method is safe for concurrent use.
//
// Lock order is SessionService.lock before the scheduler's lock. Backend calls are
// never made while holding SessionService.lock.
type SessionService struct {
	backend      authmodel.Backend
	kv           storage.KV
	store        *sessions.Store
	scheduler    *refresh.Scheduler
	synchronizer *crosstab.Synchronizer

	clock          clock.Clock
	logger         zerolog.Logger
	metrics        metrics.Recorder
	policy         refresh.Policy
	skew           time.Duration
	refreshTimeout time.Duration

	lock        sync.Mutex
	session     *sessions.Session
	loading     bool
	disposed    bool
	subscribers map[uint64]func(State)
	nextSubID   uint64
}

// NewSessionService wires the store, scheduler and synchronizer for one context.
// Call Init to load any stored session.
func NewSessionService(deps Deps, options ...SessionServiceOption) (*SessionService, error) {
	if deps.Backend == nil {
		return nil, errors.New("[NewSessionService] Backend is required")
	}
	if deps.KV == nil {
		return nil, errors.New("[NewSessionService] KV is required")
	}

	s := &SessionService{
		backend:        deps.Backend,
		kv:             deps.KV,
		clock:          clock.Real(),
		logger:         log.Logger,
		metrics:        metrics.Nop{},
		policy:         refresh.DefaultPolicy(),
		skew:           token.DefaultSkew,
		refreshTimeout: refresh.DefaultTimeout,
		subscribers:    make(map[uint64]func(State)),
	}

	// Apply optional configuration
	for _, opt := range options {
		opt(s)
	}

	s.store = sessions.NewStore(deps.KV,
		sessions.WithSkew(s.skew),
		sessions.WithNowTime(s.clock.Now),
		sessions.WithLogger(s.logger),
	)
	s.scheduler = refresh.NewScheduler(s, deps.Backend,
		refresh.WithClock(s.clock),
		refresh.WithPolicy(s.policy),
		refresh.WithTimeout(s.refreshTimeout),
		refresh.WithLogger(s.logger),
		refresh.WithMetrics(s.metrics),
	)
	s.synchronizer = crosstab.New(deps.KV, sessions.KeyAccessToken, s, s.logger)

	return s, nil
}

// Init loads the stored session, if any, and starts following sibling contexts.
// A missing or unusable stored session is not an error: the service is simply
// unauthenticated afterwards. A storage failure is returned, with the same outcome.
func (s *SessionService) Init(ctx context.Context) error {
	s.lock.Lock()
	if s.disposed {
		s.lock.Unlock()
		return ErrDisposed
	}
	s.loading = true
	s.lock.Unlock()
	s.publish()

	loaded, loadErr := s.store.Load(ctx)
	if loadErr != nil {
		s.logger.Warn().Err(loadErr).Msg("could not load stored session")
	}

	s.lock.Lock()
	if loaded != nil && s.session == nil && !s.disposed {
		s.session = loaded
		s.scheduler.ScheduleFrom(loaded.ExpiresAt.Sub(s.clock.Now()))
		s.metrics.RecordTransition(reasonLoad, true)
		s.logger.Info().Str("userID", loaded.User.ID).Msg("session restored")
	}
	s.loading = false
	s.lock.Unlock()

	s.synchronizer.Start()
	s.publish()

	if loadErr != nil {
		return errors.Wrap(loadErr, "[SessionService.Init] load session")
	}
	return nil
}

// Dispose stops the refresh timer and the synchronizer and drops all subscribers.
// Stored state is left as it is.
func (s *SessionService) Dispose() {
	s.lock.Lock()
	s.disposed = true
	s.scheduler.Cancel()
	s.subscribers = make(map[uint64]func(State))
	s.lock.Unlock()

	s.synchronizer.Stop()
}

// Login authenticates with email and password. An *authmodel.AuthError is returned as is
// and leaves the current state untouched.
func (s *SessionService) Login(ctx context.Context, email, password string) (*sessions.Session, error) {
	resp, err := s.backend.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, resp, reasonLogin)
}

// Register creates an account on the backend and signs straight into it.
func (s *SessionService) Register(ctx context.Context, req authmodel.RegisterRequest) (*sessions.Session, error) {
	resp, err := s.backend.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, resp, reasonRegister)
}

// SendOTP asks the backend to deliver a one-time code to phone.
func (s *SessionService) SendOTP(ctx context.Context, phone string) error {
	return s.backend.SendOTP(ctx, phone)
}

// VerifyOTP exchanges a one-time code for a session. Name is used only for new accounts.
func (s *SessionService) VerifyOTP(ctx context.Context, phone, otp, name string) (*sessions.Session, error) {
	resp, err := s.backend.VerifyOTP(ctx, authmodel.OTPVerification{Phone: phone, OTP: otp, Name: name})
	if err != nil {
		return nil, err
	}
	return s.LoginWithOTP(ctx, resp)
}

// LoginWithOTP commits the result of an OTP exchange completed elsewhere.
func (s *SessionService) LoginWithOTP(ctx context.Context, resp *authmodel.TokenResponse) (*sessions.Session, error) {
	return s.establish(ctx, resp, reasonOTP)
}

// establish is the one path that installs a new session: persist, swap memory, arm the
// timer (replacing any existing one).
func (s *SessionService) establish(ctx context.Context, resp *authmodel.TokenResponse, reason string) (*sessions.Session, error) {
	if resp == nil || resp.Token == "" {
		return nil, ErrEmptyResponse
	}

	s.lock.Lock()
	if s.disposed {
		s.lock.Unlock()
		return nil, ErrDisposed
	}
	now := s.clock.Now()
	lifetime := resp.Lifetime(now)
	session := sessions.Session{
		User:         resp.User,
		AccessToken:  resp.Token,
		RefreshToken: utils.Value(resp.RefreshToken),
		ExpiresAt:    sessions.ExpiryFrom(now, lifetime),
	}
	if err := s.store.Save(ctx, session); err != nil {
		s.lock.Unlock()
		return nil, errors.Wrap(err, "[SessionService.establish] persist session")
	}
	s.session = &session
	delay := s.scheduler.ScheduleFrom(lifetime)
	s.lock.Unlock()

	s.metrics.RecordTransition(reason, true)
	s.logger.Info().Str("userID", session.User.ID).Str("via", reason).Dur("refreshIn", delay).Msg("session established")
	s.publish()
	return session.Clone(), nil
}

// Logout asks the backend to invalidate the session, then clears it locally whatever the
// backend said. It never fails. Local storage is cleared even when ctx is already done.
func (s *SessionService) Logout(ctx context.Context) {
	if s.isAuthenticated() {
		remoteCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
		if err := s.backend.Logout(remoteCtx); err != nil {
			s.logger.Warn().Err(err).Msg("remote logout failed, clearing local session anyway")
		}
		cancel()
	}

	s.lock.Lock()
	had := s.session != nil
	s.session = nil
	s.scheduler.Cancel()
	if err := s.store.Clear(context.WithoutCancel(ctx)); err != nil {
		log.Err(err).Msg("clearing stored session failed")
	}
	s.lock.Unlock()

	if had {
		s.metrics.RecordTransition(reasonLogout, false)
		s.logger.Info().Msg("logged out")
	}
	s.publish()
}

// UpdateUser applies patch to the user record in memory and storage. Tokens and expiry
// are untouched.
func (s *SessionService) UpdateUser(ctx context.Context, patch users.Patch) error {
	s.lock.Lock()
	if s.session == nil {
		s.lock.Unlock()
		return interrors.ErrNotAuthenticated
	}
	err := s.setUserLocked(ctx, patch.Apply(s.session.User))
	s.lock.Unlock()
	if err != nil {
		return err
	}
	s.publish()
	return nil
}

// ReloadProfile replaces the user record with the backend's copy.
func (s *SessionService) ReloadProfile(ctx context.Context) (*users.User, error) {
	if !s.isAuthenticated() {
		return nil, interrors.ErrNotAuthenticated
	}
	user, err := s.backend.GetProfile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[SessionService.ReloadProfile] get profile")
	}
	if err := s.replaceUser(ctx, *user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateProfile saves patch on the backend and adopts the record it returns.
func (s *SessionService) UpdateProfile(ctx context.Context, patch users.Patch) (*users.User, error) {
	if !s.isAuthenticated() {
		return nil, interrors.ErrNotAuthenticated
	}
	user, err := s.backend.UpdateProfile(ctx, patch)
	if err != nil {
		return nil, err
	}
	if err := s.replaceUser(ctx, *user); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword forwards req to the backend. The session itself is left as it is.
func (s *SessionService) ChangePassword(ctx context.Context, req authmodel.ChangePasswordRequest) error {
	if !s.isAuthenticated() {
		return interrors.ErrNotAuthenticated
	}
	return s.backend.ChangePassword(ctx, req)
}

// replaceUser installs a record fetched from the backend, provided the same user is
// still signed in.
func (s *SessionService) replaceUser(ctx context.Context, user users.User) error {
	s.lock.Lock()
	if s.session == nil {
		s.lock.Unlock()
		return interrors.ErrNotAuthenticated
	}
	if s.session.User.ID != user.ID {
		s.lock.Unlock()
		return ErrUserMismatch
	}
	err := s.setUserLocked(ctx, user)
	s.lock.Unlock()
	if err != nil {
		return err
	}
	s.publish()
	return nil
}

func (s *SessionService) setUserLocked(ctx context.Context, user users.User) error {
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return errors.Wrap(err, "[SessionService.UpdateUser] persist user")
	}
	s.session.User = user
	return nil
}

// State returns the current projection. It never waits on a refresh in flight.
func (s *SessionService) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stateLocked()
}

// Session returns a copy of the current session, or nil when signed out.
func (s *SessionService) Session() *sessions.Session {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.session.Clone()
}

// Subscribe registers fn to receive every new State. It returns the unsubscribe func.
func (s *SessionService) Subscribe(fn func(State)) func() {
	s.lock.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock.Lock()
			delete(s.subscribers, id)
			s.lock.Unlock()
		})
	}
}

// RefreshPending reports whether a renewal timer is armed.
func (s *SessionService) RefreshPending() bool {
	return s.scheduler.Pending()
}

// Token implements oauth2.TokenSource over the current session.
func (s *SessionService) Token() (*oauth2.Token, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session == nil {
		return nil, interrors.ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken:  s.session.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.session.RefreshToken,
		Expiry:       s.session.ExpiresAt,
	}, nil
}

// Current implements refresh.Owner.
func (s *SessionService) Current() *sessions.Session {
	return s.Session()
}

// ApplyRefresh implements refresh.Owner. Only tokens and expiry change; a response
// without a refresh token keeps the current one.
func (s *SessionService) ApplyRefresh(initiating string, resp *authmodel.TokenResponse) bool {
	s.lock.Lock()
	if s.session == nil || s.session.AccessToken != initiating {
		s.lock.Unlock()
		return false
	}
	next := *s.session
	next.AccessToken = resp.Token
	next.RefreshToken = utils.ValueOr(resp.RefreshToken, next.RefreshToken)
	now := s.clock.Now()
	next.ExpiresAt = sessions.ExpiryFrom(now, resp.Lifetime(now))

	if err := s.store.Save(context.Background(), next); err != nil {
		log.Err(err).Msg("persisting refreshed session failed")
	}
	s.session = &next
	s.lock.Unlock()

	s.logger.Debug().Time("expiresAt", next.ExpiresAt).Msg("session refreshed")
	s.publish()
	return true
}

// Expire implements refresh.Owner.
func (s *SessionService) Expire(initiating string, cause error) {
	s.lock.Lock()
	if s.session == nil || s.session.AccessToken != initiating {
		s.lock.Unlock()
		return
	}
	s.session = nil
	s.scheduler.Cancel()
	if err := s.store.Clear(context.Background()); err != nil {
		log.Err(err).Msg("clearing expired session failed")
	}
	s.lock.Unlock()

	reason := reasonExpired
	var refreshErr *refresh.RefreshError
	if errors.As(cause, &refreshErr) {
		reason = reasonRefreshFailed
	}
	s.metrics.RecordTransition(reason, false)
	s.logger.Info().Str("reason", reason).AnErr("cause", cause).Msg("session ended")
	s.publish()
}

// RemoteLogout implements crosstab.Adopter.
func (s *SessionService) RemoteLogout() {
	s.lock.Lock()
	had := s.session != nil
	s.session = nil
	s.scheduler.Cancel()
	s.lock.Unlock()

	if had {
		s.metrics.RecordTransition(reasonRemoteLogout, false)
		s.publish()
	}
}

// RemoteAdopt implements crosstab.Adopter. It reads storage but never writes it, and it
// does not arm this context's timer.
func (s *SessionService) RemoteAdopt() {
	s.lock.Lock()
	defer func() {
		s.lock.Unlock()
		s.publish()
	}()

	remote, err := s.store.Read(context.Background())
	if err != nil {
		log.Err(err).Msg("reading session written by another context failed")
		return
	}
	if remote == nil {
		return
	}
	wasAuthenticated := s.session != nil
	s.session = remote
	if !wasAuthenticated {
		s.metrics.RecordTransition(reasonRemoteAdopt, true)
	}
}

func (s *SessionService) isAuthenticated() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.session != nil
}

func (s *SessionService) stateLocked() State {
	st := State{Loading: s.loading}
	if s.session != nil {
		user := s.session.User
		st.User = &user
		st.IsAuthenticated = true
	}
	return st
}

// publish delivers the current state to every subscriber, outside the lock.
func (s *SessionService) publish() {
	s.lock.Lock()
	st := s.stateLocked()
	fns := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.lock.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
