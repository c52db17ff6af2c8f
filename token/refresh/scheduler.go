// Package refresh renews a session's access token shortly before it expires.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRatio is the fraction of a token's lifetime to wait before renewing it.
	DefaultRatio = 0.8
	// DefaultMinDelay is the shortest delay ever armed.
	DefaultMinDelay = 60 * time.Second
	// DefaultTimeout bounds one backend refresh call.
	DefaultTimeout = 30 * time.Second
)

// ErrNoRefreshToken is the cause reported when a session without a refresh token falls due.
var ErrNoRefreshToken = errors.Wrapf(errors.ErrSessionExpired, "no refresh token")

// Policy decides how long to wait before renewing a token.
type Policy struct {
	Ratio    float64
	MinDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Ratio: DefaultRatio, MinDelay: DefaultMinDelay}
}

// Delay returns max(expiresIn*Ratio, MinDelay).
func (p Policy) Delay(expiresIn time.Duration) time.Duration {
	d := time.Duration(float64(expiresIn) * p.Ratio)
	if d < p.MinDelay {
		return p.MinDelay
	}
	return d
}

// RefreshError wraps the backend failure that ended a session.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "token refresh failed: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Owner holds the session being renewed. Both mutating calls name the access token the
// renewal started from and must do nothing if the current session no longer carries it.
type Owner interface {
	Current() *sessions.Session
	// ApplyRefresh installs the renewed tokens and reports whether they were applied.
	ApplyRefresh(initiating string, resp *authmodel.TokenResponse) bool
	// Expire ends the session.
	Expire(initiating string, cause error)
}

// Refresher exchanges a refresh token for a new access token. authmodel.Backend satisfies it.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*authmodel.TokenResponse, error)
}

// Scheduler keeps at most one renewal timer armed.
type Scheduler struct {
	owner     Owner
	refresher Refresher
	clock     clock.Clock
	policy    Policy
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   metrics.Recorder

	lock       sync.Mutex
	timer      clock.Timer
	generation uint64 // Bumped by every arm and cancel; a firing timer from an older generation is stale
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Scheduler) {
		s.policy = p
	}
}

// WithTimeout bounds each backend refresh call.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewScheduler(owner Owner, refresher Refresher, options ...Option) *Scheduler {
	s := &Scheduler{
		owner:     owner,
		refresher: refresher,
		clock:     clock.Real(),
		policy:    DefaultPolicy(),
		timeout:   DefaultTimeout,
		logger:    log.Logger,
		metrics:   metrics.Nop{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ScheduleFrom replaces any armed timer with one for a token that expires in expiresIn.
// It returns the delay armed.
func (s *Scheduler) ScheduleFrom(expiresIn time.Duration) time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.armLocked(expiresIn)
}

// Cancel disarms the timer. A refresh already in flight will not re-arm it.
func (s *Scheduler) Cancel() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.generation++
	s.stopLocked()
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.timer != nil
}

func (s *Scheduler) armLocked(expiresIn time.Duration) time.Duration {
	s.generation++
	s.stopLocked()

	delay := s.policy.Delay(expiresIn)
	gen := s.generation
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.metrics.RecordScheduled(delay)
	s.logger.Debug().Dur("delay", delay).Dur("expiresIn", expiresIn).Msg("token refresh scheduled")
	return delay
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.lock.Lock()
	if gen != s.generation {
		s.lock.Unlock()
		return
	}
	s.timer = nil
	s.lock.Unlock()

	current := s.owner.Current()
	if current == nil {
		return
	}
	initiating := current.AccessToken

	// The process may have been suspended past the token's expiry.
	if token.IsExpiredAt(initiating, 0, s.clock.Now()) {
		s.logger.Info().Msg("access token expired before refresh ran")
		s.metrics.RecordRefresh(metrics.RefreshExpired, 0)
		s.owner.Expire(initiating, errors.ErrSessionExpired)
		s.resume(gen, initiating)
		return
	}
	if !current.HasRefreshToken() {
		s.metrics.RecordRefresh(metrics.RefreshFailure, 0)
		s.owner.Expire(initiating, &RefreshError{Err: ErrNoRefreshToken})
		s.resume(gen, initiating)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	started := s.clock.Now()
	resp, err := s.refresher.RefreshToken(ctx, current.RefreshToken)
	cancel()
	latency := s.clock.Now().Sub(started)

	if err == nil && (resp == nil || resp.Token == "") {
		err = errors.Wrapf(errors.ErrUnexpected, "[Scheduler.fire] empty refresh response")
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("token refresh failed, ending session")
		s.metrics.RecordRefresh(metrics.RefreshFailure, latency)
		s.owner.Expire(initiating, &RefreshError{Err: err})
		s.resume(gen, initiating)
		return
	}

	if !s.owner.ApplyRefresh(initiating, resp) {
		s.logger.Info().Msg("discarding refresh result for a session that was replaced or ended")
		s.metrics.RecordRefresh(metrics.RefreshDiscarded, latency)
		s.resume(gen, initiating)
		return
	}
	s.metrics.RecordRefresh(metrics.RefreshSuccess, latency)

	s.lock.Lock()
	defer s.lock.Unlock()
	if gen == s.generation {
		s.armLocked(resp.Lifetime(s.clock.Now()))
	}
}

// resume re-arms for whichever session replaced the one a firing started from, so a
// session adopted mid-refresh keeps being renewed. An ended session stays disarmed.
func (s *Scheduler) resume(gen uint64, initiating string) {
	next := s.owner.Current()
	if next == nil || next.AccessToken == initiating {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if gen != s.generation {
		return
	}
	s.logger.Debug().Time("expiresAt", next.ExpiresAt).Msg("re-arming for replacement session")
	s.armLocked(next.ExpiresAt.Sub(s.clock.Now()))
}
