// Package transport defines the ad-hoc peer transport the session controller
// consumes: discovery, directed invitations and reliable delivery to the
// peers that accepted one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InviteTimeout bounds an unanswered invitation.
const InviteTimeout = 10 * time.Second

var (
	ErrInviteTimeout  = errors.New("transport: invitation timed out")
	ErrInviteRejected = errors.New("transport: invitation rejected")
	ErrUnknownPeer    = errors.New("transport: unknown peer")
	ErrBusy           = errors.New("transport: already paired with another peer")
	ErrClosed         = errors.New("transport: closed")
)

// Peer identifies a remote endpoint for the lifetime of a run.
// Two peers are the same peer when both fields are equal.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (p Peer) String() string {
	id := p.ID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return fmt.Sprintf("%s(%s)", p.Name, id)
}

type EventKind int

const (
	PeerDiscovered EventKind = iota + 1
	PeerConnected
	PeerDisconnected
	DataReceived
	InvitationReceived
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer-discovered"
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case DataReceived:
		return "data-received"
	case InvitationReceived:
		return "invitation-received"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is delivered in order on Transport.Events.
type Event struct {
	Kind       EventKind
	Peer       Peer
	Data       []byte      // DataReceived
	Invitation *Invitation // InvitationReceived
}

// Transport is the capability the session controller drives.
//
// Implementations resume advertising on their own whenever a connected
// peer goes away, so the device stays discoverable for reconnection.
type Transport interface {
	// Start begins advertising and browsing. Idempotent.
	Start() error
	// Stop halts advertising and browsing; connected peers stay connected.
	Stop()
	// Disconnect stops and drops every connected peer.
	Disconnect()
	// Invite asks peer to join, carrying share as UTF-8 context.
	Invite(ctx context.Context, peer Peer, share string) error
	// SendToAll delivers data to every connected peer. Failures are logged.
	SendToAll(data []byte)
	// Events is the single ordered stream of transport events.
	Events() <-chan Event
}
