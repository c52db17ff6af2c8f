package auth

import (
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/rs/zerolog"
)

// SessionServiceOption defines a function type to modify the SessionService instance.
type SessionServiceOption func(*SessionService)

// WithClock sets the clock used for expiry and refresh timers (primarily for testing)
func WithClock(c clock.Clock) SessionServiceOption {
	return func(s *SessionService) {
		s.clock = c
	}
}

func WithLogger(logger zerolog.Logger) SessionServiceOption {
	return func(s *SessionService) {
		s.logger = logger
	}
}

func WithMetrics(m metrics.Recorder) SessionServiceOption {
	return func(s *SessionService) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPolicy sets when tokens are renewed relative to their lifetime.
func WithPolicy(p refresh.Policy) SessionServiceOption {
	return func(s *SessionService) {
		s.policy = p
	}
}

// WithSkew sets the margin used when deciding a stored token is already expired.
func WithSkew(skew time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.skew = skew
	}
}

// WithRefreshTimeout bounds each backend refresh call and the best-effort logout call.
func WithRefreshTimeout(d time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}
