package config

import "time"

type SessionConfig interface {
	GetExpirySkew() time.Duration
	GetRefreshRatio() float64
	GetRefreshMinDelay() time.Duration
	GetRefreshTimeout() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

// GetExpirySkew is how long before the real expiry a stored token is treated as expired
func (Session) GetExpirySkew() time.Duration {
	return GetEnvDuration("SESSION_SKEW", 5*time.Minute)
}

// GetRefreshRatio is the fraction of the token lifetime to wait before renewing
func (Session) GetRefreshRatio() float64 {
	ratio := GetEnvFloat("SESSION_REFRESH_RATIO", 0.8)
	if ratio <= 0 || ratio > 1 {
		return 0.8
	}
	return ratio
}

func (Session) GetRefreshMinDelay() time.Duration {
	return GetEnvDuration("SESSION_REFRESH_MIN_DELAY", time.Minute)
}

func (Session) GetRefreshTimeout() time.Duration {
	return GetEnvDuration("SESSION_REFRESH_TIMEOUT", 30*time.Second)
}
