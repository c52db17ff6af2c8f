// Package filestore persists the session keys as one JSON document on disk and
// detects writes made by other processes by polling it. Writers in every process
// serialise on an advisory lock file next to the document.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ storage.KV = (*Store)(nil)

const (
	fileName            = "session.json"
	lockFileName        = "session.lock"
	defaultPollInterval = time.Second
)

type observed struct {
	value   string
	present bool
}

type watcher struct {
	key string
	fn  func(storage.Change)
}

// Store is one process's handle on the session file.
type Store struct {
	path     string
	lockPath string
	interval time.Duration
	logger   zerolog.Logger

	lock     sync.Mutex
	watchers map[uint64]watcher
	nextID   uint64
	seen     map[string]observed // Last value observed or written per watched key
	stop     chan struct{}
	done     chan struct{}
	closed   bool
}

type Option func(*Store)

// WithPollInterval sets how often the file is checked for external writes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (creating if needed) the session file under dir.
func New(dir string, options ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "[filestore.New] create %s", dir)
	}
	s := &Store{
		path:     filepath.Join(dir, fileName),
		lockPath: filepath.Join(dir, lockFileName),
		interval: defaultPollInterval,
		logger:   log.Logger,
		watchers: make(map[uint64]watcher),
		seen:     make(map[string]observed),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return "", false, errors.ErrStorageClosed
	}

	doc, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := doc[key]
	return v, ok, nil
}

// GetMany answers from a single read of the document.
func (s *Store) GetMany(_ context.Context, keys []string) (map[string]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, errors.ErrStorageClosed
	}

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			values[k] = v
		}
	}
	return values, nil
}

func (s *Store) Apply(_ context.Context, batch storage.Batch) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return errors.ErrStorageClosed
	}

	// The read-modify-write must not interleave with another process's.
	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for k, v := range batch.Set {
		doc[k] = v
	}
	for _, k := range batch.Remove {
		delete(doc, k)
	}
	if err := s.write(doc); err != nil {
		return err
	}

	// Our own writes must not come back as notifications.
	for _, k := range batch.Keys() {
		if _, watched := s.seen[k]; watched {
			v, ok := doc[k]
			s.seen[k] = observed{value: v, present: ok}
		}
	}
	return nil
}

func (s *Store) Watch(key string, fn func(storage.Change)) func() {
	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.nextID
	s.nextID++
	s.watchers[id] = watcher{key: key, fn: fn}
	if _, ok := s.seen[key]; !ok {
		doc, err := s.read()
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("filestore: initial read for watch failed")
		}
		v, present := doc[key]
		s.seen[key] = observed{value: v, present: present}
	}
	if s.stop == nil && !s.closed {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.pollLoop(s.stop, s.done)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock.Lock()
			delete(s.watchers, id)
			s.lock.Unlock()
		})
	}
}

// Close stops the poller. The file is left in place.
func (s *Store) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stop, s.done
	s.lock.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (s *Store) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Store) poll() {
	s.lock.Lock()
	doc, err := s.read()
	if err != nil {
		s.lock.Unlock()
		s.logger.Warn().Err(err).Msg("filestore: poll read failed")
		return
	}

	type delivery struct {
		fn     func(storage.Change)
		change storage.Change
	}
	var deliveries []delivery
	for key, last := range s.seen {
		v, present := doc[key]
		if v == last.value && present == last.present {
			continue
		}
		s.seen[key] = observed{value: v, present: present}
		change := storage.Change{Key: key, Value: v, Present: present}
		for _, w := range s.watchers {
			if w.key == key {
				deliveries = append(deliveries, delivery{fn: w.fn, change: change})
			}
		}
	}
	s.lock.Unlock()

	for _, d := range deliveries {
		d.fn(d.change)
	}
}

// read loads the document. Callers hold s.lock.
func (s *Store) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errors.ErrStorage, s.path, err)
	}
	doc := make(map[string]string)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", errors.ErrStorage, s.path, err)
	}
	return doc, nil
}

// write replaces the document atomically so no reader sees a partial batch. Callers hold s.lock.
func (s *Store) write(doc map[string]string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", errors.ErrStorage, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: temp file: %w", errors.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %w", errors.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", errors.ErrStorage, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("%w: chmod: %w", errors.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%w: rename: %w", errors.ErrStorage, err)
	}
	return nil
}
