package fakebackend

import "time"

// storedRefreshToken is the server-side record behind an opaque refresh token.
type storedRefreshToken struct {
	Token  string
	UserID string
	Iat    time.Time
}

// refreshTokenStore indexes the live refresh tokens. Callers hold the backend lock.
type refreshTokenStore struct {
	tokens map[string]storedRefreshToken
}

func newRefreshTokenStore() *refreshTokenStore {
	return &refreshTokenStore{tokens: make(map[string]storedRefreshToken)}
}

func (s *refreshTokenStore) Upsert(rt storedRefreshToken) {
	s.tokens[rt.Token] = rt
}

func (s *refreshTokenStore) Get(token string) (storedRefreshToken, bool) {
	rt, ok := s.tokens[token]
	return rt, ok
}

func (s *refreshTokenStore) Delete(token string) {
	delete(s.tokens, token)
}

// DeleteByUserID revokes every refresh token of userID and returns how many there were.
func (s *refreshTokenStore) DeleteByUserID(userID string) int {
	n := 0
	for token, rt := range s.tokens {
		if rt.UserID == userID {
			delete(s.tokens, token)
			n++
		}
	}
	return n
}
