package fakebackend

import "time"

// revokedTokens remembers the IDs of access tokens ended by a logout until they
// would have expired anyway.
type revokedTokens struct {
	revoked map[string]time.Time // jti to token expiry
}

func newRevokedTokens() *revokedTokens {
	return &revokedTokens{revoked: make(map[string]time.Time)}
}

func (r *revokedTokens) Add(jti string, exp time.Time) {
	r.revoked[jti] = exp
}

func (r *revokedTokens) IsRevoked(jti string, now time.Time) bool {
	r.cleanup(now)
	_, exists := r.revoked[jti]
	return exists
}

func (r *revokedTokens) cleanup(now time.Time) {
	for jti, exp := range r.revoked {
		if now.After(exp) {
			delete(r.revoked, jti)
		}
	}
}
