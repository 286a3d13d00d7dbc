// Package sim is an in-process stand-in for the device's ranging hardware.
//
// Backends created from the same Field see each other: ranging against a
// token registered in the field reports the true relative position, and
// invalidating a backend makes its peers observe a peer-ended removal.
// Tokens unknown to the field are treated as a remote device drifting
// around a point derived from the token bytes.
package sim

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/curve25519"

	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/token"
)

const (
	DefaultInterval = 200 * time.Millisecond
	DefaultMaxRange = 9.0 // metres
)

type Option func(*Field)

func WithClock(c clock.Clock) Option { return func(f *Field) { f.clock = c } }

func WithInterval(d time.Duration) Option {
	return func(f *Field) {
		if d > 0 {
			f.interval = d
		}
	}
}

func WithMaxRange(m float64) Option {
	return func(f *Field) {
		if m > 0 {
			f.maxRange = m
		}
	}
}

// WithSupported toggles the sensing capability for every backend of the field.
func WithSupported(ok bool) Option { return func(f *Field) { f.supported = ok } }

// Field is a shared simulated space.
type Field struct {
	clock     clock.Clock
	interval  time.Duration
	maxRange  float64
	supported bool

	mu       sync.Mutex
	backends map[string]*Backend
}

func NewField(opts ...Option) *Field {
	f := &Field{
		clock:     clock.New(),
		interval:  DefaultInterval,
		maxRange:  DefaultMaxRange,
		supported: true,
		backends:  make(map[string]*Backend),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Provider returns a ranging.Provider creating backends in this field.
func (f *Field) Provider() ranging.Provider {
	return func() (ranging.Backend, error) {
		return f.NewBackend()
	}
}

// NewBackend creates one session instance with a fresh X25519 key as token.
func (f *Field) NewBackend() (*Backend, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("sim: generate key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("sim: derive token: %w", err)
	}

	b := &Backend{
		field:  f,
		token:  token.New(pub),
		events: make(chan ranging.Event, 64),
		stop:   make(chan struct{}),
	}
	f.mu.Lock()
	b.pos = f.spawnPointLocked()
	f.backends[string(pub)] = b
	f.mu.Unlock()
	return b, nil
}

// Lookup returns the backend owning tok, if it lives in this field.
func (f *Field) Lookup(tok token.DiscoveryToken) (*Backend, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[string(tok.Bytes())]
	return b, ok
}

// Forget drops invalidated backends so the field does not grow without bound.
// Peers still ranging against a forgotten token fall back to a synthetic target.
func (f *Field) Forget() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, b := range f.backends {
		if b.Invalid() {
			delete(f.backends, k)
			n++
		}
	}
	return n
}

// spawnPointLocked places new backends a little apart so two fresh devices
// start within range of each other.
func (f *Field) spawnPointLocked() ranging.Vector {
	i := float64(len(f.backends) % 4)
	return ranging.Vector{X: i * 0.75, Y: 0, Z: 0}
}
