package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/nearby/internal/metrics"
	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/session"
	"github.com/petervdpas/nearby/internal/state"
	"github.com/petervdpas/nearby/internal/transport"
)

type fakeController struct {
	mu      sync.Mutex
	invites []string
	resets  int
}

func (f *fakeController) Snapshot() session.Snapshot {
	return session.Snapshot{State: session.Connecting, SessionID: "s-1"}
}

func (f *fakeController) InviteWithShare(p transport.Peer, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, p.ID+":"+text)
}

func (f *fakeController) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeController) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites), f.resets
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestApplyInvite(t *testing.T) {
	s := New(8)
	ctrl := &fakeController{}

	err := s.Apply(Command{Type: CmdInvite, PeerID: "p1"})
	assert.ErrorIs(t, err, errNoController)

	s.Attach(ctrl)
	err = s.Apply(Command{Type: CmdInvite, PeerID: "p1"})
	assert.ErrorIs(t, err, errUnknownCandidate)

	s.PeerCandidateDiscovered(transport.Peer{ID: "p1", Name: "Ada"})
	require.NoError(t, s.Apply(Command{Type: CmdInvite, PeerID: "p1", Text: "hi"}))
	assert.Equal(t, []string{"p1:hi"}, ctrl.invites)
}

func TestApplyAnswer(t *testing.T) {
	s := New(8)
	inv := transport.NewInvitation("inv-1", transport.Peer{ID: "p1"}, "coffee?")
	s.IncomingInvitation(inv)

	require.NoError(t, s.Apply(Command{Type: CmdAnswer, InvitationID: "inv-1", Accept: true}))
	select {
	case <-inv.Done():
	case <-time.After(time.Second):
		t.Fatal("invitation not resolved")
	}

	assert.Eventually(t, func() bool {
		return s.Apply(Command{Type: CmdAnswer, InvitationID: "inv-1"}) != nil
	}, time.Second, 10*time.Millisecond, "answered invitation should be forgotten")
}

func TestApplyResetAndUnknown(t *testing.T) {
	s := New(8)
	ctrl := &fakeController{}
	s.Attach(ctrl)

	require.NoError(t, s.Apply(Command{Type: CmdReset}))
	_, resets := ctrl.counts()
	assert.Equal(t, 1, resets)

	assert.Error(t, s.Apply(Command{Type: "dance"}))
}

func TestRangingNotReplayed(t *testing.T) {
	s := New(8)
	d := 1.5
	s.RangingUpdated(ranging.Update{Distance: &d})
	s.ConnectedPeerChanged(nil)

	replay, ch := s.subscribe()
	defer s.unsubscribe(ch)
	require.Len(t, replay, 2)
	assert.Equal(t, EventCandidatesReset, replay[0].Type)
	assert.Equal(t, EventConnected, replay[1].Type)
	assert.Nil(t, replay[1].Peer)
}

func TestWebSocketReplayAndLive(t *testing.T) {
	s := New(8)
	ctrl := &fakeController{}
	s.Attach(ctrl)
	s.PeerCandidateDiscovered(transport.Peer{ID: "p1", Name: "Ada"})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	ev := next(t, conn)
	assert.Equal(t, EventCandidate, ev.Type)
	require.NotNil(t, ev.Peer)
	assert.Equal(t, "Ada", ev.Peer.Name)

	p := transport.Peer{ID: "p1", Name: "Ada"}
	// The subscription is registered before the replay is written.
	s.ConnectedPeerChanged(&p)
	ev = next(t, conn)
	assert.Equal(t, EventCandidatesReset, ev.Type)
	ev = next(t, conn)
	assert.Equal(t, EventConnected, ev.Type)
	require.NotNil(t, ev.Peer)
	assert.Equal(t, "p1", ev.Peer.ID)

	d := 2.0
	s.RangingUpdated(ranging.Update{Distance: &d})
	ev = next(t, conn)
	assert.Equal(t, EventRanging, ev.Type)
	require.NotNil(t, ev.Ranging)
	require.NotNil(t, ev.Ranging.Distance)
	assert.InDelta(t, 2.0, *ev.Ranging.Distance, 1e-9)
}

func TestWebSocketCommands(t *testing.T) {
	s := New(8)
	ctrl := &fakeController{}
	s.Attach(ctrl)
	s.PeerCandidateDiscovered(transport.Peer{ID: "p1", Name: "Ada"})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)
	_ = next(t, conn) // replayed candidate

	require.NoError(t, conn.WriteJSON(Command{Type: CmdInvite, PeerID: "p1", Text: "walk?"}))
	assert.Eventually(t, func() bool {
		n, _ := ctrl.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdInvite, PeerID: "ghost"}))
	ev := next(t, conn)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Error, "ghost")
}

func TestWebSocketInvitationFlow(t *testing.T) {
	s := New(8)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	// Wait until the socket is subscribed.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	inv := transport.NewInvitation("inv-9", transport.Peer{ID: "p2", Name: "Bo"}, "lunch")
	s.IncomingInvitation(inv)

	ev := next(t, conn)
	assert.Equal(t, EventInvitation, ev.Type)
	require.NotNil(t, ev.Invitation)
	assert.Equal(t, "Would you like to accept: lunch", ev.Invitation.Prompt)

	require.NoError(t, conn.WriteJSON(Command{Type: CmdAnswer, InvitationID: "inv-9", Accept: false}))
	ev = next(t, conn)
	assert.Equal(t, EventInvitationClosed, ev.Type)
	assert.Equal(t, "inv-9", ev.Invitation.ID)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ok, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPRoutes(t *testing.T) {
	peers := state.NewPeerTable()
	peers.Upsert("p1", "Ada")
	s := New(8, WithPeers(peers), WithMetrics(metrics.New()))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.Attach(&fakeController{})
	resp, err = http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, "connecting", snap["state"])
	assert.Equal(t, "s-1", snap["session_id"])

	resp, err = http.Get(srv.URL + "/api/peers")
	require.NoError(t, err)
	var seen map[string]state.SeenPeer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&seen))
	resp.Body.Close()
	assert.Equal(t, "Ada", seen["p1"].Name)

	resp, err = http.Post(srv.URL+"/api/peers", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCandidatesDroppedOnPairingChange(t *testing.T) {
	s := New(8)
	ctrl := &fakeController{}
	s.Attach(ctrl)
	bo := transport.Peer{ID: "p1", Name: "Bo"}
	s.PeerCandidateDiscovered(bo)

	s.ConnectedPeerChanged(&bo)
	assert.ErrorIs(t, s.Apply(Command{Type: CmdInvite, PeerID: "p1"}), errUnknownCandidate)

	// rediscovered in the next advertising round
	s.PeerCandidateDiscovered(bo)
	require.NoError(t, s.Apply(Command{Type: CmdInvite, PeerID: "p1"}))

	s.ConnectedPeerChanged(nil)
	assert.ErrorIs(t, s.Apply(Command{Type: CmdInvite, PeerID: "p1"}), errUnknownCandidate)
	n, _ := ctrl.counts()
	assert.Equal(t, 1, n)
}

func TestOfflineCandidateNotInvitable(t *testing.T) {
	peers := state.NewPeerTable()
	peers.Upsert("p1", "Bo")
	peers.Upsert("p2", "Cy")
	s := New(8, WithPeers(peers))
	ctrl := &fakeController{}
	s.Attach(ctrl)
	s.PeerCandidateDiscovered(transport.Peer{ID: "p1", Name: "Bo"})
	s.PeerCandidateDiscovered(transport.Peer{ID: "p2", Name: "Cy"})
	s.PeerCandidateDiscovered(transport.Peer{ID: "p3", Name: "Di"})

	peers.MarkOffline("p1")
	assert.ErrorIs(t, s.Apply(Command{Type: CmdInvite, PeerID: "p1"}), errUnknownCandidate)
	assert.ErrorIs(t, s.Apply(Command{Type: CmdInvite, PeerID: "p3"}), errUnknownCandidate)
	require.NoError(t, s.Apply(Command{Type: CmdInvite, PeerID: "p2"}))

	// back online is not enough; it has to be surfaced again
	peers.Upsert("p1", "Bo")
	assert.ErrorIs(t, s.Apply(Command{Type: CmdInvite, PeerID: "p1"}), errUnknownCandidate)
	assert.Equal(t, []string{"p2:"}, ctrl.invites)
}
