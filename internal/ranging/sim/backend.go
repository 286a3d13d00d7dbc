package sim

import (
	"encoding/binary"
	"math"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/token"
)

var log = logging.Logger("ranging/sim")

// Backend is one simulated ranging session instance.
type Backend struct {
	field *Field
	token token.DiscoveryToken

	mu        sync.Mutex
	pos       ranging.Vector
	cfg       *ranging.Config
	running   bool
	timedOut  bool
	peerEnded bool
	invalid   bool
	ticks     uint64

	events chan ranging.Event
	stop   chan struct{}
}

func (b *Backend) LocalToken() (token.DiscoveryToken, error) {
	if !b.field.supported {
		return token.DiscoveryToken{}, ranging.ErrUnsupported
	}
	return b.token, nil
}

func (b *Backend) Events() <-chan ranging.Event { return b.events }

// Run (re)starts ranging. Re-running clears a reported timeout so the
// target is tracked again once back in range.
func (b *Backend) Run(cfg ranging.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invalid {
		return ranging.ErrInvalidated
	}
	c := cfg
	b.cfg = &c
	b.timedOut = false
	b.peerEnded = false
	if !b.running {
		b.running = true
		go b.loop()
	}
	return nil
}

func (b *Backend) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invalid {
		return
	}
	b.invalid = true
	close(b.stop)
}

// Invalid reports whether the backend was invalidated.
func (b *Backend) Invalid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid
}

// SetPosition moves the simulated device.
func (b *Backend) SetPosition(v ranging.Vector) {
	b.mu.Lock()
	b.pos = v
	b.mu.Unlock()
}

// Position returns the simulated device position.
func (b *Backend) Position() ranging.Vector {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// Fail reports the session as invalidated by the platform (resource revoked).
func (b *Backend) Fail(err error) {
	b.emit(ranging.Event{Kind: ranging.EventInvalidated, Err: err})
}

func (b *Backend) loop() {
	t := b.field.clock.Ticker(b.field.interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			b.Step()
		}
	}
}

// Step performs one measurement. The ticker loop calls it; tests may call it
// directly.
func (b *Backend) Step() {
	b.mu.Lock()
	if b.invalid || b.cfg == nil || b.timedOut || b.peerEnded {
		b.mu.Unlock()
		return
	}
	target := b.cfg.PeerToken
	self := b.pos
	b.ticks++
	tick := b.ticks
	b.mu.Unlock()

	var there ranging.Vector
	if remote, ok := b.field.Lookup(target); ok && remote != b {
		if remote.Invalid() {
			b.mu.Lock()
			b.peerEnded = true
			b.mu.Unlock()
			log.Debugf("%s: remote %s ended", b.token, target)
			b.emit(ranging.Event{Kind: ranging.EventRemoved, Token: target, Reason: ranging.ReasonPeerEnded})
			return
		}
		there = remote.Position()
	} else {
		there = synthetic(target, tick)
	}

	delta := there.Sub(self)
	dist := delta.Len()
	if dist > b.field.maxRange {
		b.mu.Lock()
		b.timedOut = true
		b.mu.Unlock()
		log.Debugf("%s: %s out of range (%.2fm)", b.token, target, dist)
		b.emit(ranging.Event{Kind: ranging.EventRemoved, Token: target, Reason: ranging.ReasonTimeout})
		return
	}

	ev := ranging.Event{Kind: ranging.EventUpdated, Token: target, Distance: &dist}
	if dir, ok := delta.Unit(); ok {
		ev.Direction = &dir
	}
	select {
	case b.events <- ev:
	default:
		// updates are lossy, like the real sensor stream
	}
}

func (b *Backend) emit(ev ranging.Event) {
	select {
	case b.events <- ev:
	case <-b.stop:
	}
}

// synthetic places an unknown target on a slow orbit whose radius comes
// from the token bytes (1..4m).
func synthetic(tok token.DiscoveryToken, tick uint64) ranging.Vector {
	raw := tok.Bytes()
	var seed uint32
	if len(raw) >= 4 {
		seed = binary.BigEndian.Uint32(raw[:4])
	}
	radius := 1 + float64(seed%300)/100
	angle := float64(tick) * 0.05
	return ranging.Vector{X: radius * math.Cos(angle), Y: 0.2 * math.Sin(angle*3), Z: radius * math.Sin(angle)}
}
