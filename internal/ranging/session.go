package ranging

import (
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/nearby/internal/token"
	"github.com/petervdpas/nearby/internal/util"
)

var log = logging.Logger("ranging")

// Session is one generation of the local ranging capability.
type Session struct {
	id      string
	backend Backend
	local   token.DiscoveryToken

	mu      sync.Mutex
	config  *Config
	invalid bool

	out  chan Event
	done chan struct{}
}

// NewSession creates a backend through p and fetches its local token. A
// device without the capability yields an error wrapping ErrUnsupported.
func NewSession(p Provider) (*Session, error) {
	b, err := p()
	if err != nil {
		return nil, fmt.Errorf("ranging: create backend: %w", err)
	}
	local, err := b.LocalToken()
	if err != nil {
		b.Invalidate()
		return nil, fmt.Errorf("ranging: local token: %w", err)
	}
	if local.IsZero() {
		b.Invalidate()
		return nil, fmt.Errorf("ranging: local token: %w", ErrUnsupported)
	}

	s := &Session{
		id:      util.NewULID(time.Now()),
		backend: b,
		local:   local,
		out:     make(chan Event, 32),
		done:    make(chan struct{}),
	}
	go s.forward()
	log.Debugf("session %s created (local %s)", s.id, local)
	return s, nil
}

// ID is the session generation id.
func (s *Session) ID() string { return s.id }

// LocalToken returns the token this instance shares with peers.
func (s *Session) LocalToken() token.DiscoveryToken { return s.local }

// Events returns the stream of events that survived invalidation filtering.
func (s *Session) Events() <-chan Event { return s.out }

// Configuration returns the configuration of the last Run, if any.
func (s *Session) Configuration() (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return Config{}, false
	}
	return *s.config, true
}

// Run starts ranging against remote.
func (s *Session) Run(remote token.DiscoveryToken) error {
	cfg := Config{PeerToken: remote}
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return ErrInvalidated
	}
	s.config = &cfg
	s.mu.Unlock()

	log.Infof("session %s: run against %s", util.Short(s.id, 10), remote)
	return s.backend.Run(cfg)
}

// Rerun runs again with the current configuration. It reports false when
// the session was never run.
func (s *Session) Rerun() (bool, error) {
	cfg, ok := s.Configuration()
	if !ok {
		return false, nil
	}
	if s.Invalid() {
		return false, ErrInvalidated
	}
	log.Debugf("session %s: re-run against %s", util.Short(s.id, 10), cfg.PeerToken)
	return true, s.backend.Run(cfg)
}

// Invalid reports whether Invalidate was called.
func (s *Session) Invalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Invalidate terminates the session. Safe to call more than once.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return
	}
	s.invalid = true
	close(s.done)
	s.mu.Unlock()

	s.backend.Invalidate()
	log.Debugf("session %s invalidated", util.Short(s.id, 10))
}

func (s *Session) forward() {
	in := s.backend.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if s.Invalid() {
				return
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
