package session

import (
	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/transport"
)

// UI is the outbound collaborator of the controller. Methods are called on
// the controller goroutine and must not block.
type UI interface {
	// PeerCandidateDiscovered surfaces a peer that could be invited. The
	// controller never invites on its own.
	PeerCandidateDiscovered(p transport.Peer)
	// ConnectedPeerChanged reports the connected peer, or nil.
	ConnectedPeerChanged(p *transport.Peer)
	// IncomingInvitation must eventually Accept or Reject inv.
	IncomingInvitation(inv *transport.Invitation)
	// RangingUpdated reports distance/direction of the connected peer.
	RangingUpdated(u ranging.Update)
}

// NopUI ignores everything; unanswered invitations expire in the transport.
type NopUI struct{}

func (NopUI) PeerCandidateDiscovered(transport.Peer) {}
func (NopUI) ConnectedPeerChanged(*transport.Peer) {}
func (NopUI) IncomingInvitation(*transport.Invitation) {}
func (NopUI) RangingUpdated(ranging.Update) {}

// MultiUI fans every call out to each collaborator in order.
type MultiUI []UI

func (m MultiUI) PeerCandidateDiscovered(p transport.Peer) {
	for _, u := range m {
		u.PeerCandidateDiscovered(p)
	}
}

func (m MultiUI) ConnectedPeerChanged(p *transport.Peer) {
	for _, u := range m {
		if p == nil {
			u.ConnectedPeerChanged(nil)
			continue
		}
		cp := *p
		u.ConnectedPeerChanged(&cp)
	}
}

func (m MultiUI) IncomingInvitation(inv *transport.Invitation) {
	for _, u := range m {
		u.IncomingInvitation(inv)
	}
}

func (m MultiUI) RangingUpdated(up ranging.Update) {
	for _, u := range m {
		u.RangingUpdated(up)
	}
}
