package state

import (
	"sort"
	"sync"
	"time"
)

// SeenPeer is what the node knows about a discovered peer.
type SeenPeer struct {
	Name         string    `json:"name"`
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

// PeerTable is the directory of peers seen over mDNS and presence.
// Nothing in it survives a restart.
type PeerTable struct {
	mu    sync.Mutex
	peers map[string]SeenPeer
	now   func() time.Time
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: map[string]SeenPeer{},
		now:   time.Now,
	}
}

// Upsert records id as reachable under name. It reports whether the entry
// is new, renamed, or came back from offline.
func (t *PeerTable) Upsert(id, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.peers[id]
	changed := !ok || existing.Name != name || !existing.OfflineSince.IsZero()
	if name == "" && ok {
		name = existing.Name
		changed = !existing.OfflineSince.IsZero()
	}
	t.peers[id] = SeenPeer{
		Name:      name,
		Reachable: true,
		LastSeen:  t.now(),
	}
	return changed
}

func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = t.now()
	t.peers[id] = sp
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// MarkOffline keeps the entry but flags it unreachable.
func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || !sp.OfflineSince.IsZero() {
		return
	}
	sp.Reachable = false
	sp.OfflineSince = t.now()
	t.peers[id] = sp
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// IDs returns the known peer ids in sorted order.
func (t *PeerTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online peers not seen since ttlCutoff to offline, then
// removes offline peers older than graceCutoff. It returns the removed ids.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = t.now()
				t.peers[id] = sp
			}
			continue
		}
		if sp.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
