// Package session holds the peer-session controller: the state machine that
// pairs one nearby peer over the transport, swaps discovery tokens with it
// once per ranging session, and keeps ranging alive through the recoverable
// failures.
//
// Every mutation of the connection state happens on the goroutine running
// Controller.Run. Transport and ranging callbacks arrive as channel events;
// commands from observers are queued as closures.
package session

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/nearby/internal/metrics"
	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/token"
	"github.com/petervdpas/nearby/internal/transport"
	"github.com/petervdpas/nearby/internal/util"
)

var log = logging.Logger("session")

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("session: controller stopped")

type Option func(*Controller)

// WithMetrics records transitions, shares and recoveries on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Controller) { c.metrics = m }
}

type Controller struct {
	tr       transport.Transport
	provider ranging.Provider
	ui       UI
	metrics  *metrics.Collectors

	// loop-owned
	state   State
	conn    ConnectionState
	ranging *ranging.Session
	started bool

	cmds chan func()
	done chan struct{}
	once sync.Once

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates the controller and its first ranging session. It fails when
// the device has no ranging capability.
func New(tr transport.Transport, provider ranging.Provider, ui UI, opts ...Option) (*Controller, error) {
	if ui == nil {
		ui = NopUI{}
	}
	c := &Controller{
		tr:       tr,
		provider: provider,
		ui:       ui,
		cmds:     make(chan func(), 16),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	sess, err := ranging.NewSession(provider)
	if err != nil {
		return nil, err
	}
	c.ranging = sess
	c.publish()
	return c, nil
}

// Run starts the transport and processes events until ctx ends or the
// transport event stream closes. A contract violation panics out of Run.
func (c *Controller) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.done) })
	defer c.shutdown()

	c.begin()

	tev := c.tr.Events()
	for {
		sess := c.ranging
		var rev <-chan ranging.Event
		if sess != nil {
			rev = sess.Events()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-tev:
			if !ok {
				return transport.ErrClosed
			}
			c.handleTransport(ev)
		case ev := <-rev:
			c.handleRanging(sess, ev)
		case fn := <-c.cmds:
			fn()
		}
		c.publish()
	}
}

// Snapshot returns a copy of the current state. Safe from any goroutine.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s := c.snap
	s.Conn = s.Conn.clone()
	if s.Peer != nil {
		p := *s.Peer
		s.Peer = &p
	}
	return s
}

// InviteWithShare invites peer, carrying text as the invitation context.
// The call returns at once; the outcome is logged.
func (c *Controller) InviteWithShare(peer transport.Peer, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transport.InviteTimeout+util.ShortTimeout)
		defer cancel()

		err := c.tr.Invite(ctx, peer, text)
		switch {
		case err == nil:
			log.Infof("invitation to %s accepted", peer)
			c.metrics.Invitation("outgoing", "accepted")
		case errors.Is(err, transport.ErrInviteRejected):
			log.Infof("invitation to %s rejected", peer)
			c.metrics.Invitation("outgoing", "rejected")
		case errors.Is(err, transport.ErrBusy):
			log.Infof("not inviting %s: %v", peer, err)
			c.metrics.Invitation("outgoing", "busy")
		case errors.Is(err, transport.ErrInviteTimeout), errors.Is(err, context.DeadlineExceeded):
			log.Infof("invitation to %s timed out", peer)
			c.metrics.Invitation("outgoing", "timeout")
		default:
			log.Warnf("invitation to %s failed: %v", peer, err)
			c.metrics.Invitation("outgoing", "error")
		}
	}()
}

// Reset abandons the current pairing and starts over with a fresh ranging
// session.
func (c *Controller) Reset() error {
	return c.do(func() { c.restart("reset") })
}

// do queues fn for the loop. Once Run has returned it always reports
// ErrStopped, even while the command buffer has room.
func (c *Controller) do(fn func()) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.cmds <- fn:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) begin() {
	c.started = true
	if err := c.tr.Start(); err != nil {
		log.Warnf("transport start: %v", err)
	}
	c.setState(Connecting)
}

// restart replaces the ranging session and forgets the peer. The transport
// is cycled so that the old peer drops and the device is discoverable again.
func (c *Controller) restart(cause string) {
	if c.ranging != nil {
		c.ranging.Invalidate()
	}
	sess, err := ranging.NewSession(c.provider)
	contract(err == nil, "restart", "new ranging session: %v", err)

	hadPeer := c.conn.ConnectedPeer != nil
	c.ranging = sess
	c.conn = ConnectionState{}
	if hadPeer {
		c.ui.ConnectedPeerChanged(nil)
	}
	c.metrics.Restart(cause)
	log.Infof("restart (%s): session %s", cause, util.Short(sess.ID(), 10))

	if !c.started {
		c.begin()
		return
	}
	c.tr.Disconnect()
	if err := c.tr.Start(); err != nil {
		log.Warnf("transport start: %v", err)
	}
	c.setState(Connecting)
}

func (c *Controller) shutdown() {
	if c.ranging != nil {
		c.ranging.Invalidate()
	}
	c.tr.Disconnect()
	c.tr.Stop()
	c.setState(Idle)
	c.publish()
}

func (c *Controller) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.PeerDiscovered:
		log.Debugf("candidate %s", ev.Peer)
		c.ui.PeerCandidateDiscovered(ev.Peer)

	case transport.InvitationReceived:
		if ev.Invitation == nil {
			return
		}
		log.Infof("invitation from %s", ev.Invitation.From)
		c.metrics.Invitation("incoming", "received")
		c.ui.IncomingInvitation(ev.Invitation)

	case transport.PeerConnected:
		c.peerConnected(ev.Peer)

	case transport.PeerDisconnected:
		c.peerDisconnected(ev.Peer)

	case transport.DataReceived:
		c.dataReceived(ev.Peer, ev.Data)

	default:
		log.Debugf("ignoring transport event %v", ev.Kind)
	}
}

func (c *Controller) peerConnected(p transport.Peer) {
	if cur := c.conn.ConnectedPeer; cur != nil {
		contract(*cur == p, "peer-connected", "connected to %s while paired with %s", p, *cur)
		log.Debugf("%s connected again, nothing to do", p)
		return
	}
	contract(c.ranging != nil && !c.ranging.LocalToken().IsZero(),
		"peer-connected", "no local discovery token")

	if !c.conn.SharedTokenWithPeer {
		b, err := token.Encode(c.ranging.LocalToken())
		contract(err == nil, "peer-connected", "encode local token: %v", err)
		c.tr.SendToAll(b)
		c.conn.SharedTokenWithPeer = true
		c.metrics.TokenShared()
		log.Infof("shared %s with %s", c.ranging.LocalToken(), p)
	}

	cp := p
	c.conn.ConnectedPeer = &cp
	c.ui.ConnectedPeerChanged(&p)
	c.setState(AwaitingTokenExchange)
}

func (c *Controller) peerDisconnected(p transport.Peer) {
	cur := c.conn.ConnectedPeer
	if cur == nil || *cur != p {
		log.Debugf("%s disconnected (not ours)", p)
		return
	}
	c.conn.ConnectedPeer = nil
	c.conn.SharedTokenWithPeer = false
	c.ui.ConnectedPeerChanged(nil)
	log.Infof("%s disconnected", p)
	c.setState(Connecting)
}

func (c *Controller) dataReceived(p transport.Peer, data []byte) {
	cur := c.conn.ConnectedPeer
	contract(cur != nil && *cur == p, "data-received", "token from %s, connected peer is %v", p, cur)

	tok, err := token.Decode(data)
	contract(err == nil, "data-received", "decode token from %s: %v", p, err)

	c.conn.PeerDiscoveryToken = &tok
	if err := c.ranging.Run(tok); err != nil {
		log.Warnf("run ranging against %s: %v", tok, err)
	}
	c.setState(Ranging)
}

func (c *Controller) handleRanging(sess *ranging.Session, ev ranging.Event) {
	if sess != c.ranging {
		log.Debugf("dropping %v from superseded session", ev.Kind)
		return
	}

	switch ev.Kind {
	case ranging.EventInvalidated:
		log.Warnf("ranging session invalidated: %v", ev.Err)
		c.restart("invalidated")

	case ranging.EventUpdated:
		tracked := c.trackedToken("updated")
		if !tracked.Equal(ev.Token) {
			return
		}
		c.metrics.Distance(ev.Distance)
		c.ui.RangingUpdated(ranging.Update{
			Session:   sess.ID(),
			Token:     ev.Token.Fingerprint(),
			Distance:  ev.Distance,
			Direction: ev.Direction,
		})

	case ranging.EventRemoved:
		tracked := c.trackedToken("removed")
		if !tracked.Equal(ev.Token) {
			return
		}
		switch ev.Reason {
		case ranging.ReasonPeerEnded:
			log.Infof("peer ended ranging")
			c.restart("peer-ended")
		case ranging.ReasonTimeout:
			log.Infof("ranging timed out, re-running")
			c.metrics.TimeoutRetry()
			if _, err := sess.Rerun(); err != nil {
				log.Warnf("re-run ranging: %v", err)
			}
		default:
			contract(false, "removed", "unknown removal reason %v", ev.Reason)
		}

	default:
		log.Debugf("ignoring ranging event %v", ev.Kind)
	}
}

func (c *Controller) trackedToken(op string) token.DiscoveryToken {
	contract(c.conn.PeerDiscoveryToken != nil, op, "ranging event without a peer token")
	return *c.conn.PeerDiscoveryToken
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	log.Debugf("%v -> %v", c.state, s)
	c.state = s
	c.metrics.Transition(s.String())
}

func (c *Controller) publish() {
	s := Snapshot{
		State: c.state,
		Conn:  c.conn.clone(),
	}
	if c.ranging != nil {
		s.SessionID = c.ranging.ID()
		s.LocalToken = c.ranging.LocalToken().Fingerprint()
	}
	if c.conn.ConnectedPeer != nil {
		p := *c.conn.ConnectedPeer
		s.Peer = &p
	}
	if c.conn.PeerDiscoveryToken != nil {
		s.PeerToken = c.conn.PeerDiscoveryToken.Fingerprint()
	}
	s.Shared = c.conn.SharedTokenWithPeer

	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}
