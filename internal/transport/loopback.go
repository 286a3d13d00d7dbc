package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

// Loopback is one end of an in-memory transport pair. It follows the same
// contract as the libp2p node and backs the simulator and tests.
type Loopback struct {
	self   Peer
	link   *link
	side   int
	events chan Event
}

type link struct {
	mu            sync.Mutex
	ends          [2]*Loopback
	advertising   [2]bool
	connected     bool
	inviteTimeout time.Duration

	// emitMu orders events across the two ends: an end never sees data
	// from its peer before its own PeerConnected.
	emitMu sync.Mutex
}

// NewLoopbackPair creates two connected-on-invite transports.
func NewLoopbackPair(nameA, nameB string) (*Loopback, *Loopback) {
	l := &link{inviteTimeout: InviteTimeout}
	a := &Loopback{self: Peer{ID: "loop-" + uuid.NewString(), Name: nameA}, link: l, side: 0, events: make(chan Event, 256)}
	b := &Loopback{self: Peer{ID: "loop-" + uuid.NewString(), Name: nameB}, link: l, side: 1, events: make(chan Event, 256)}
	l.ends = [2]*Loopback{a, b}
	return a, b
}

// SetInviteTimeout changes the invite timeout for both ends.
func (t *Loopback) SetInviteTimeout(d time.Duration) {
	t.link.mu.Lock()
	t.link.inviteTimeout = d
	t.link.mu.Unlock()
}

// Self returns this end's identity.
func (t *Loopback) Self() Peer { return t.self }

func (t *Loopback) remote() *Loopback { return t.link.ends[1-t.side] }

func (t *Loopback) Events() <-chan Event { return t.events }

func (t *Loopback) Start() error {
	l := t.link
	l.mu.Lock()
	if l.advertising[t.side] {
		l.mu.Unlock()
		return nil
	}
	l.advertising[t.side] = true
	both := l.advertising[0] && l.advertising[1]
	l.mu.Unlock()

	if both {
		r := t.remote()
		t.emit(Event{Kind: PeerDiscovered, Peer: r.self})
		r.emit(Event{Kind: PeerDiscovered, Peer: t.self})
	}
	return nil
}

func (t *Loopback) Stop() {
	t.link.mu.Lock()
	t.link.advertising[t.side] = false
	t.link.mu.Unlock()
}

func (t *Loopback) Disconnect() {
	t.Stop()
	l := t.link
	l.emitMu.Lock()
	l.mu.Lock()
	was := l.connected
	l.connected = false
	l.mu.Unlock()
	if !was {
		l.emitMu.Unlock()
		return
	}

	r := t.remote()
	t.emit(Event{Kind: PeerDisconnected, Peer: r.self})
	r.emit(Event{Kind: PeerDisconnected, Peer: t.self})
	l.emitMu.Unlock()
	_ = t.Start()
	_ = r.Start()
}

func (t *Loopback) Invite(ctx context.Context, peer Peer, share string) error {
	r := t.remote()
	if peer != r.self {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	l := t.link
	l.mu.Lock()
	reachable := l.advertising[r.side]
	timeout := l.inviteTimeout
	l.mu.Unlock()
	if !reachable {
		return fmt.Errorf("%w: %s is not advertising", ErrUnknownPeer, peer)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := NewInvitation(uuid.NewString(), t.self, share)
	r.emit(Event{Kind: InvitationReceived, Peer: t.self, Invitation: inv})
	ok, err := inv.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInviteRejected
	}

	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	already := l.connected
	l.connected = true
	l.mu.Unlock()
	if !already {
		r.emit(Event{Kind: PeerConnected, Peer: t.self})
		t.emit(Event{Kind: PeerConnected, Peer: r.self})
	}
	return nil
}

func (t *Loopback) SendToAll(data []byte) {
	t.link.emitMu.Lock()
	defer t.link.emitMu.Unlock()
	t.link.mu.Lock()
	connected := t.link.connected
	t.link.mu.Unlock()
	if !connected {
		log.Debugf("%s: send with no connected peers (%d bytes)", t.self, len(data))
		return
	}
	cp := append([]byte(nil), data...)
	t.remote().emit(Event{Kind: DataReceived, Peer: t.self, Data: cp})
}

func (t *Loopback) emit(ev Event) {
	t.events <- ev
}
