package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/nearby/internal/transport"
)

// member is a session member. An outgoing invitation registers the member
// as pending so data racing ahead of the reply can wait for the outcome.
type member struct {
	pid  peer.ID
	info transport.Peer

	// joined is guarded by Node.memMu.
	joined bool

	mu    sync.Mutex
	ok    bool
	once  sync.Once
	ready chan struct{}
}

func newMember(pid peer.ID, info transport.Peer) *member {
	return &member{pid: pid, info: info, ready: make(chan struct{})}
}

func (m *member) resolve(ok bool) {
	m.once.Do(func() {
		m.mu.Lock()
		m.ok = ok
		m.mu.Unlock()
		close(m.ready)
	})
}

func (m *member) accepted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ok
}

// Members returns the peers that accepted an invitation either way.
func (n *Node) Members() []transport.Peer {
	n.memMu.Lock()
	defer n.memMu.Unlock()
	out := make([]transport.Peer, 0, len(n.members))
	for _, m := range n.members {
		if m.accepted() {
			out = append(out, m.info)
		}
	}
	return out
}

func (n *Node) lookupMember(pid peer.ID) (*member, bool) {
	n.memMu.Lock()
	defer n.memMu.Unlock()
	m, ok := n.members[pid]
	return m, ok
}

// paired returns the member other than pid that holds the session, if any.
func (n *Node) paired(pid peer.ID) (transport.Peer, bool) {
	n.memMu.Lock()
	defer n.memMu.Unlock()
	return n.pairedLocked(pid)
}

func (n *Node) pairedLocked(pid peer.ID) (transport.Peer, bool) {
	for id, m := range n.members {
		if id != pid && m.joined {
			return m.info, true
		}
	}
	return transport.Peer{}, false
}

// admit records info as an accepted member and raises PeerConnected before
// anything from that peer can be delivered. A session holds one peer: admit
// refuses while another member has joined.
func (n *Node) admit(pid peer.ID, info transport.Peer) bool {
	n.memMu.Lock()
	if other, busy := n.pairedLocked(pid); busy {
		n.memMu.Unlock()
		log.Infof("not admitting %s: paired with %s", info, other)
		return false
	}
	m, ok := n.members[pid]
	if !ok {
		m = newMember(pid, info)
		n.members[pid] = m
	}
	if m.joined {
		n.memMu.Unlock()
		return true
	}
	m.joined = true
	n.memMu.Unlock()

	n.emit(transport.Event{Kind: transport.PeerConnected, Peer: m.info})
	m.resolve(true)
	log.Infof("%s joined the session", m.info)
	return true
}

// withdraw removes a pending member whose invitation failed.
func (n *Node) withdraw(pid peer.ID, m *member) {
	n.memMu.Lock()
	if cur, ok := n.members[pid]; ok && cur == m {
		delete(n.members, pid)
	}
	n.memMu.Unlock()
	m.resolve(false)
}

// memberLost handles a dropped connection.
func (n *Node) memberLost(pid peer.ID) {
	n.memMu.Lock()
	m, ok := n.members[pid]
	if ok {
		delete(n.members, pid)
	}
	n.memMu.Unlock()
	if !ok {
		return
	}
	m.resolve(false)
	if !m.accepted() {
		return
	}
	log.Infof("%s left the session", m.info)
	n.emit(transport.Event{Kind: transport.PeerDisconnected, Peer: m.info})
	if err := n.Start(); err != nil {
		log.Warnf("resume advertising: %v", err)
	}
}
