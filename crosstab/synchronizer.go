// Package crosstab keeps one context's in-memory session in step with writes other
// contexts make to the shared session storage.
package crosstab

import (
	"sync"

	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/rs/zerolog"
)

// Adopter applies a remote change to in-memory state only. Neither call may write storage
// or arm a refresh timer.
type Adopter interface {
	// RemoteLogout drops the in-memory session; storage has already been cleared elsewhere.
	RemoteLogout()
	// RemoteAdopt reloads the session another context stored.
	RemoteAdopt()
}

// Synchronizer watches the access-token key.
type Synchronizer struct {
	kv      storage.KV
	key     string
	adopter Adopter
	logger  zerolog.Logger

	lock   sync.Mutex
	cancel func()
}

func New(kv storage.KV, key string, adopter Adopter, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		kv:      kv,
		key:     key,
		adopter: adopter,
		logger:  logger,
	}
}

// Start subscribes to changes. Calling it again while started does nothing.
func (s *Synchronizer) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cancel != nil {
		return
	}
	s.cancel = s.kv.Watch(s.key, s.onChange)
}

// Stop unsubscribes. It is safe to call more than once.
func (s *Synchronizer) Stop() {
	s.lock.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lock.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Synchronizer) Running() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cancel != nil
}

func (s *Synchronizer) onChange(change storage.Change) {
	if !s.Running() {
		return
	}
	if !change.Present {
		s.logger.Info().Msg("session ended in another context")
		s.adopter.RemoteLogout()
		return
	}
	s.logger.Info().Msg("session changed in another context")
	s.adopter.RemoteAdopt()
}
