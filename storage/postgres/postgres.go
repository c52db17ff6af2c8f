// Package postgres stores the session keys in a shared table and uses LISTEN/NOTIFY
// to tell every other origin which key changed.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ storage.KV = (*Store)(nil)

// Channel is the notification channel every write is announced on.
const Channel = "session_kv_changed"

const schemaSQL = `CREATE TABLE IF NOT EXISTS session_kv (
	key        text PRIMARY KEY,
	value      text NOT NULL,
	updated_by text NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Notifications yields the notifications received on a connection that is listening on Channel.
type Notifications interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close()
}

type payload struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

type watcher struct {
	key string
	fn  func(storage.Change)
}

type Store struct {
	db     DB
	origin string
	logger zerolog.Logger

	lock     sync.Mutex
	watchers map[uint64]watcher
	nextID   uint64
	closed   bool

	notifications Notifications
	cancel        context.CancelFunc
	done          chan struct{}
}

type Option func(*Store)

// WithNotifications makes the store deliver other origins' writes to its watchers.
func WithNotifications(n Notifications) Option {
	return func(s *Store) {
		s.notifications = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithOrigin overrides the generated origin id.
func WithOrigin(origin string) Option {
	return func(s *Store) {
		s.origin = origin
	}
}

// EnsureSchema creates the session table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", errors.ErrStorage, err)
	}
	return nil
}

func New(db DB, options ...Option) *Store {
	s := &Store{
		db:       db,
		origin:   uuid.New().String(),
		logger:   log.Logger,
		watchers: make(map[uint64]watcher),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.notifications != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.listen(ctx)
	}
	return s
}

// Origin identifies this store's writes in notifications.
func (s *Store) Origin() string {
	return s.origin
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.isClosed() {
		return "", false, errors.ErrStorageClosed
	}
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM session_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %w", errors.ErrStorage, key, err)
	}
	return value, true, nil
}

// GetMany reads keys with one statement, which sees a single committed snapshot.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	if s.isClosed() {
		return nil, errors.ErrStorageClosed
	}
	rows, err := s.db.Query(ctx, `SELECT key, value FROM session_kv WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("%w: get many: %w", errors.ErrStorage, err)
	}
	defer rows.Close()

	values := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", errors.ErrStorage, err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: get many: %w", errors.ErrStorage, err)
	}
	return values, nil
}

// Apply writes the batch in one transaction. Only keys whose value actually changed are announced.
func (s *Store) Apply(ctx context.Context, batch storage.Batch) error {
	if s.isClosed() {
		return errors.ErrStorageClosed
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", errors.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	keys := make([]string, 0, len(batch.Set))
	for k := range batch.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changed []string
	for _, k := range keys {
		tag, err := tx.Exec(ctx,
			`INSERT INTO session_kv (key, value, updated_by, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (key) DO UPDATE
			 SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
			 WHERE session_kv.value IS DISTINCT FROM EXCLUDED.value`,
			k, batch.Set[k], s.origin,
		)
		if err != nil {
			return fmt.Errorf("%w: set %s: %w", errors.ErrStorage, k, err)
		}
		if tag.RowsAffected() > 0 {
			changed = append(changed, k)
		}
	}
	for _, k := range batch.Remove {
		tag, err := tx.Exec(ctx, `DELETE FROM session_kv WHERE key = $1`, k)
		if err != nil {
			return fmt.Errorf("%w: remove %s: %w", errors.ErrStorage, k, err)
		}
		if tag.RowsAffected() > 0 {
			changed = append(changed, k)
		}
	}

	for _, k := range changed {
		body, err := json.Marshal(payload{Key: k, Origin: s.origin})
		if err != nil {
			return fmt.Errorf("%w: encode notification: %w", errors.ErrStorage, err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, string(body)); err != nil {
			return fmt.Errorf("%w: notify %s: %w", errors.ErrStorage, k, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", errors.ErrStorage, err)
	}
	return nil
}

func (s *Store) Watch(key string, fn func(storage.Change)) func() {
	s.lock.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = watcher{key: key, fn: fn}
	s.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock.Lock()
			delete(s.watchers, id)
			s.lock.Unlock()
		})
	}
}

// Close stops listening. The table is left untouched.
func (s *Store) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.notifications.Close()
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	for {
		n, err := s.notifications.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("postgres: notification listener stopped")
			}
			return
		}
		if n.Channel != Channel {
			continue
		}
		s.handle(ctx, n.Payload)
	}
}

func (s *Store) handle(ctx context.Context, raw string) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn().Err(err).Str("payload", raw).Msg("postgres: ignoring malformed notification")
		return
	}
	if p.Origin == s.origin {
		return
	}

	s.lock.Lock()
	var fns []func(storage.Change)
	for _, w := range s.watchers {
		if w.key == p.Key {
			fns = append(fns, w.fn)
		}
	}
	s.lock.Unlock()
	if len(fns) == 0 {
		return
	}

	value, present, err := s.Get(ctx, p.Key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", p.Key).Msg("postgres: reading notified key failed")
		return
	}
	change := storage.Change{Key: p.Key, Value: value, Present: present}
	for _, fn := range fns {
		fn(change)
	}
}

var _ Notifications = (*PoolListener)(nil)

// PoolListener holds one pooled connection in LISTEN mode.
type PoolListener struct {
	conn *pgxpool.Conn
}

// Listen acquires a dedicated connection from pool and subscribes it to Channel.
func Listen(ctx context.Context, pool *pgxpool.Pool) (*PoolListener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire listener: %w", errors.ErrStorage, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen: %w", errors.ErrStorage, err)
	}
	return &PoolListener{conn: conn}, nil
}

func (l *PoolListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return l.conn.Conn().WaitForNotification(ctx)
}

// Close returns the connection to the pool. The connection is discarded so it
// does not carry the LISTEN into another borrower.
func (l *PoolListener) Close() {
	_ = l.conn.Conn().Close(context.Background())
	l.conn.Release()
}
