package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/token"
	"github.com/petervdpas/nearby/internal/transport"
)

type fakeTransport struct {
	mu          sync.Mutex
	events      chan transport.Event
	starts      int
	stops       int
	disconnects int
	sent        [][]byte
	invites     []string
	inviteErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Invite(_ context.Context, p transport.Peer, share string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, p.ID+":"+share)
	return f.inviteErr
}

func (f *fakeTransport) SendToAll(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) counts() (starts, disconnects, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.disconnects, len(f.sent)
}

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeBackend struct {
	mu          sync.Mutex
	tok         token.DiscoveryToken
	runs        []ranging.Config
	invalidated bool
	events      chan ranging.Event
}

func (b *fakeBackend) LocalToken() (token.DiscoveryToken, error) { return b.tok, nil }

func (b *fakeBackend) Run(cfg ranging.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs = append(b.runs, cfg)
	return nil
}

func (b *fakeBackend) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidated = true
}

func (b *fakeBackend) Events() <-chan ranging.Event { return b.events }

func (b *fakeBackend) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *fakeBackend) isInvalidated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidated
}

// fakeSensor hands out backends with distinct tokens.
type fakeSensor struct {
	mu       sync.Mutex
	backends []*fakeBackend
}

func (s *fakeSensor) provider() ranging.Provider {
	return func() (ranging.Backend, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		b := &fakeBackend{
			tok:    token.New([]byte(fmt.Sprintf("local-%d", len(s.backends)))),
			events: make(chan ranging.Event, 8),
		}
		s.backends = append(s.backends, b)
		return b, nil
	}
}

func (s *fakeSensor) last() *fakeBackend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backends[len(s.backends)-1]
}

func (s *fakeSensor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backends)
}

type recordingUI struct {
	mu         sync.Mutex
	candidates []transport.Peer
	connected  []*transport.Peer
	invites    []*transport.Invitation
	updates    []ranging.Update
}

func (u *recordingUI) PeerCandidateDiscovered(p transport.Peer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.candidates = append(u.candidates, p)
}

func (u *recordingUI) ConnectedPeerChanged(p *transport.Peer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connected = append(u.connected, p)
}

func (u *recordingUI) IncomingInvitation(inv *transport.Invitation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.invites = append(u.invites, inv)
}

func (u *recordingUI) RangingUpdated(up ranging.Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, up)
}

func (u *recordingUI) updateCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.updates)
}
