package policy

import (
	"sync"
	"time"
)

// rateLimiter is a sliding window limit on invitations per peer.
type rateLimiter struct {
	mu      sync.Mutex
	perPeer map[string][]time.Time
	peerMax int
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(perPeerPerMin int) *rateLimiter {
	return &rateLimiter{
		perPeer: make(map[string][]time.Time),
		peerMax: perPeerPerMin,
		window:  time.Minute,
		now:     time.Now,
	}
}

// Allow records an invitation to peerID if the window has room.
// A limit <= 0 disables limiting.
func (r *rateLimiter) Allow(peerID string) bool {
	if r.peerMax <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.perPeer[peerID] = pruneOld(r.perPeer[peerID], now.Add(-r.window))
	if len(r.perPeer[peerID]) >= r.peerMax {
		return false
	}
	r.perPeer[peerID] = append(r.perPeer[peerID], now)
	return true
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
