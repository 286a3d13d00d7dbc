package app

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/nearby/internal/metrics"
	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/ranging/sim"
	"github.com/petervdpas/nearby/internal/session"
	"github.com/petervdpas/nearby/internal/transport"
)

// SimOptions configures a two-device simulation.
type SimOptions struct {
	Names         [2]string
	Interval      time.Duration // sensor update rate
	Step          time.Duration // how often the second device moves
	InviteTimeout time.Duration
	MaxRange      float64
	Clock         clock.Clock
	Metrics       *metrics.Collectors
}

func (o SimOptions) withDefaults() SimOptions {
	if o.Names[0] == "" {
		o.Names[0] = "alice"
	}
	if o.Names[1] == "" {
		o.Names[1] = "bob"
	}
	if o.Step <= 0 {
		o.Step = 250 * time.Millisecond
	}
	if o.InviteTimeout <= 0 {
		o.InviteTimeout = transport.InviteTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Simulation runs two controllers over a loopback transport in one shared
// field. The first device invites, the second accepts, and the second then
// walks circles around the first, drifting in and out of range.
type Simulation struct {
	opts  SimOptions
	field *sim.Field
	devs  [2]*device
}

func NewSimulation(opts SimOptions) (*Simulation, error) {
	opts = opts.withDefaults()
	field := sim.NewField(
		sim.WithClock(opts.Clock),
		sim.WithInterval(opts.Interval),
		sim.WithMaxRange(opts.MaxRange),
	)
	trA, trB := transport.NewLoopbackPair(opts.Names[0], opts.Names[1])
	trA.SetInviteTimeout(opts.InviteTimeout)

	s := &Simulation{opts: opts, field: field}
	for i, tr := range []*transport.Loopback{trA, trB} {
		d := &device{name: opts.Names[i], invite: i == 0, clock: opts.Clock}
		ctrl, err := session.New(tr, d.provider(field), d, session.WithMetrics(opts.Metrics))
		if err != nil {
			return nil, err
		}
		d.ctrl = ctrl
		s.devs[i] = d
	}
	return s, nil
}

// Snapshots returns both controllers' state.
func (s *Simulation) Snapshots() [2]session.Snapshot {
	return [2]session.Snapshot{s.devs[0].ctrl.Snapshot(), s.devs[1].ctrl.Snapshot()}
}

// Run blocks until ctx ends.
func (s *Simulation) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, d := range s.devs {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			_ = d.ctrl.Run(ctx)
		}(d)
	}

	t := s.opts.Clock.Ticker(s.opts.Step)
	defer t.Stop()
	var step int
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.C:
			step++
			s.walk(step)
		}
	}
	wg.Wait()
	return nil
}

// walk moves the second device along a circle whose radius swings between
// half a metre and a little past the default sensor range.
func (s *Simulation) walk(step int) {
	anchor, ok := s.devs[0].current()
	if !ok {
		return
	}
	walker, ok := s.devs[1].current()
	if !ok {
		return
	}
	angle := float64(step) * 0.15
	r := 5.25 + 4.75*math.Sin(float64(step)*0.05)
	c := anchor.Position()
	walker.SetPosition(ranging.Vector{
		X: c.X + r*math.Cos(angle),
		Y: c.Y,
		Z: c.Z + r*math.Sin(angle),
	})
}

// device is one simulated user: it tracks its current ranging instance
// and answers the controller's prompts on its own.
type device struct {
	name   string
	invite bool
	clock  clock.Clock
	ctrl   *session.Controller

	mu      sync.Mutex
	backend *sim.Backend
	lastLog time.Time
}

var _ session.UI = (*device)(nil)

func (d *device) provider(field *sim.Field) ranging.Provider {
	return func() (ranging.Backend, error) {
		b, err := field.NewBackend()
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.backend = b
		d.mu.Unlock()
		return b, nil
	}
}

func (d *device) current() (*sim.Backend, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend, d.backend != nil
}

func (d *device) PeerCandidateDiscovered(p transport.Peer) {
	log.Infof("[%s] discovered %s", d.name, p)
	if d.invite {
		d.ctrl.InviteWithShare(p, "walk with me")
	}
}

func (d *device) ConnectedPeerChanged(p *transport.Peer) {
	if p == nil {
		log.Infof("[%s] no peer", d.name)
		return
	}
	log.Infof("[%s] connected to %s", d.name, p)
}

func (d *device) IncomingInvitation(inv *transport.Invitation) {
	log.Infof("[%s] Would you like to accept: %s", d.name, inv.Context)
	inv.Accept()
}

func (d *device) RangingUpdated(u ranging.Update) {
	now := d.clock.Now()
	d.mu.Lock()
	if now.Sub(d.lastLog) < time.Second {
		d.mu.Unlock()
		return
	}
	d.lastLog = now
	d.mu.Unlock()

	if u.Distance == nil {
		log.Infof("[%s] peer out of range", d.name)
		return
	}
	log.Infof("[%s] peer at %.2fm", d.name, *u.Distance)
}
