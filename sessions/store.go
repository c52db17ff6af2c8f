package sessions

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store persists one Session through a storage.KV. It is the only component that
// reads or writes the session keys.
type Store struct {
	kv      storage.KV
	skew    time.Duration
	nowTime func() time.Time
	logger  zerolog.Logger
}

type StoreOption func(*Store)

// WithSkew sets the margin used when deciding a loaded token has already expired.
func WithSkew(skew time.Duration) StoreOption {
	return func(s *Store) {
		s.skew = skew
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(kv storage.KV, options ...StoreOption) *Store {
	s := &Store{
		kv:      kv,
		skew:    token.DefaultSkew,
		nowTime: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Save writes every field of the session in one batch.
func (s *Store) Save(ctx context.Context, session Session) error {
	userJSON, err := json.Marshal(session.User)
	if err != nil {
		return errors.Wrapf(err, "[Store.Save] encode user")
	}

	batch := storage.Batch{Set: map[string]string{
		KeyAccessToken: session.AccessToken,
		KeyUser:        string(userJSON),
		KeyExpiresAt:   strconv.FormatInt(session.ExpiresAt.UnixMilli(), 10),
	}}
	if session.HasRefreshToken() {
		batch.Set[KeyRefreshToken] = session.RefreshToken
	} else {
		batch.Remove = []string{KeyRefreshToken}
	}

	if err := s.kv.Apply(ctx, batch); err != nil {
		return errors.Wrapf(err, "[Store.Save] apply")
	}
	return nil
}

// Load returns the persisted session, or nil when there is none. Anything short of a
// complete, unexpired session is purged and reported as nil.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	session, found, err := s.read(ctx)
	if err != nil || session != nil || !found {
		return session, err
	}
	if err := s.Clear(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

// Read is Load without the purge. Contexts that only observe the session use it.
func (s *Store) Read(ctx context.Context) (*Session, error) {
	session, _, err := s.read(ctx)
	return session, err
}

// read reports found when any session key exists, even if the session is unusable.
func (s *Store) read(ctx context.Context) (*Session, bool, error) {
	values, err := s.kv.GetMany(ctx, AllKeys)
	if err != nil {
		return nil, false, errors.Wrapf(err, "[Store.Load] get session keys")
	}
	if len(values) == 0 {
		return nil, false, nil
	}

	session, err := s.decode(values)
	if err != nil {
		s.logger.Info().Err(err).Msg("stored session is unusable")
		return nil, true, nil
	}
	return session, true, nil
}

func (s *Store) decode(values map[string]string) (*Session, error) {
	access := values[KeyAccessToken]
	if access == "" {
		return nil, errors.Wrapf(errors.ErrCorruptSession, "missing access token")
	}
	rawUser, ok := values[KeyUser]
	if !ok {
		return nil, errors.Wrapf(errors.ErrCorruptSession, "missing user")
	}
	var user users.User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptSession, "user: %v", err)
	}
	if token.IsExpiredAt(access, s.skew, s.nowTime()) {
		return nil, errors.ErrSessionExpired
	}

	var expiresAt time.Time
	if rawExpiry, ok := values[KeyExpiresAt]; ok {
		ms, err := strconv.ParseInt(rawExpiry, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCorruptSession, "expires at %q", rawExpiry)
		}
		expiresAt = time.UnixMilli(ms).UTC()
	} else {
		// Older writers did not record the expiry; the token carries it.
		claims, err := token.Decode(access)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCorruptSession, "expiry: %v", err)
		}
		expiresAt = claims.ExpiresAt.UTC().Truncate(time.Millisecond)
	}

	return &Session{
		User:         user,
		AccessToken:  access,
		RefreshToken: values[KeyRefreshToken],
		ExpiresAt:    expiresAt,
	}, nil
}

// Clear removes every session key in one batch.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Apply(ctx, storage.Batch{Remove: AllKeys}); err != nil {
		return errors.Wrapf(err, "[Store.Clear] apply")
	}
	return nil
}

// UpdateUser rewrites the user record only.
func (s *Store) UpdateUser(ctx context.Context, user users.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return errors.Wrapf(err, "[Store.UpdateUser] encode user")
	}
	if err := s.kv.Apply(ctx, storage.Batch{Set: map[string]string{KeyUser: string(userJSON)}}); err != nil {
		return errors.Wrapf(err, "[Store.UpdateUser] apply")
	}
	return nil
}

// LoadUser reads the user record alone. It returns nil when none is stored.
func (s *Store) LoadUser(ctx context.Context) (*users.User, error) {
	raw, ok, err := s.kv.Get(ctx, KeyUser)
	if err != nil {
		return nil, errors.Wrapf(err, "[Store.LoadUser] get")
	}
	if !ok {
		return nil, nil
	}
	var user users.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptSession, "[Store.LoadUser] %v", err)
	}
	return &user, nil
}
