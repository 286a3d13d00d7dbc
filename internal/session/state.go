package session

import (
	"fmt"

	"github.com/petervdpas/nearby/internal/token"
	"github.com/petervdpas/nearby/internal/transport"
)

type State int

const (
	Idle State = iota
	Connecting
	AwaitingTokenExchange
	Ranging
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingTokenExchange:
		return "awaiting-token-exchange"
	case Ranging:
		return "ranging"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ConnectionState is the peer/token bookkeeping of one controller.
//
//   - ConnectedPeer holds at most one peer.
//   - SharedTokenWithPeer is true only once the local token of the current
//     ranging session has been sent; a new session or a disconnect resets it.
//   - PeerDiscoveryToken only ever comes from ConnectedPeer.
type ConnectionState struct {
	ConnectedPeer       *transport.Peer
	SharedTokenWithPeer bool
	PeerDiscoveryToken  *token.DiscoveryToken
}

func (c ConnectionState) clone() ConnectionState {
	out := ConnectionState{SharedTokenWithPeer: c.SharedTokenWithPeer}
	if c.ConnectedPeer != nil {
		p := *c.ConnectedPeer
		out.ConnectedPeer = &p
	}
	if c.PeerDiscoveryToken != nil {
		t := *c.PeerDiscoveryToken
		out.PeerDiscoveryToken = &t
	}
	return out
}

// Snapshot is a point-in-time copy of the controller for observers.
type Snapshot struct {
	State      State           `json:"state"`
	Conn       ConnectionState `json:"-"`
	SessionID  string          `json:"session_id"`
	LocalToken string          `json:"local_token"`
	Peer       *transport.Peer `json:"peer,omitempty"`
	PeerToken  string          `json:"peer_token,omitempty"`
	Shared     bool            `json:"shared_token"`
}
