package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/nearby/internal/proto"
	"github.com/petervdpas/nearby/internal/transport"
)

func newTestNode(t *testing.T, name string) *Node {
	return newTestNodeWithTimeout(t, name, 2*time.Second)
}

func newTestNodeWithTimeout(t *testing.T, name string, invite time.Duration) *Node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	n, err := New(ctx, Options{
		ListenHost:    "127.0.0.1",
		DisplayName:   name,
		InviteTimeout: invite,
		SendTimeout:   2 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = n.Close()
		cancel()
	})
	return n
}

func connect(t *testing.T, a, b *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Host.Connect(ctx, peer.AddrInfo{ID: b.Host.ID(), Addrs: b.Host.Addrs()}))
}

// answerNext resolves the next invitation n receives and hands it over.
func answerNext(n *Node, accept bool) <-chan *transport.Invitation {
	out := make(chan *transport.Invitation, 1)
	go func() {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev := <-n.Events():
				if ev.Kind != transport.InvitationReceived {
					continue
				}
				if accept {
					ev.Invitation.Accept()
				} else {
					ev.Invitation.Reject()
				}
				out <- ev.Invitation
				return
			case <-deadline:
				close(out)
				return
			}
		}
	}()
	return out
}

// waitFor returns the next event of kind, skipping others.
func waitFor(t *testing.T, n *Node, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event", kind)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, "0.0.0.0", o.ListenHost)
	assert.Equal(t, proto.MdnsTag, o.MdnsTag)
	assert.Equal(t, proto.PresenceTopic, o.PresenceTopic)
	assert.Equal(t, transport.InviteTimeout, o.InviteTimeout)
	assert.Equal(t, 10*time.Second, o.SendTimeout)
}

func TestNewRejectsBadName(t *testing.T) {
	_, err := New(context.Background(), Options{ListenHost: "127.0.0.1", DisplayName: "  "}, nil)
	require.Error(t, err)
}

func TestFetchName(t *testing.T) {
	a, b := newTestNode(t, "alice"), newTestNode(t, "bob")
	connect(t, a, b)
	name, err := a.FetchName(context.Background(), b.ID())
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
}

func TestInviteAcceptAndSend(t *testing.T) {
	a, b := newTestNode(t, "alice"), newTestNode(t, "bob")
	connect(t, a, b)

	answered := answerNext(b, true)
	require.NoError(t, a.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, "range with me"))
	inv := <-answered
	require.NotNil(t, inv)
	assert.Equal(t, "alice", inv.From.Name)
	assert.Equal(t, "range with me", inv.Context)

	evA := waitFor(t, a, transport.PeerConnected)
	assert.Equal(t, b.ID(), evA.Peer.ID)
	evB := waitFor(t, b, transport.PeerConnected)
	assert.Equal(t, a.Self(), evB.Peer)

	a.SendToAll([]byte("token-bytes"))
	got := waitFor(t, b, transport.DataReceived)
	assert.Equal(t, []byte("token-bytes"), got.Data)
	assert.Equal(t, a.Self(), got.Peer)

	require.Len(t, b.Members(), 1)
	require.NoError(t, b.SendTo(context.Background(), b.Members(), []byte("back")))
	back := waitFor(t, a, transport.DataReceived)
	assert.Equal(t, []byte("back"), back.Data)
}

func TestInviteRejected(t *testing.T) {
	a, b := newTestNode(t, "alice"), newTestNode(t, "bob")
	connect(t, a, b)

	answerNext(b, false)
	err := a.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, "hi")
	require.ErrorIs(t, err, transport.ErrInviteRejected)
	assert.Empty(t, a.Members())
}

func TestInviteTimesOut(t *testing.T) {
	a := newTestNodeWithTimeout(t, "alice", time.Second)
	b := newTestNodeWithTimeout(t, "bob", 5*time.Second)
	connect(t, a, b)

	err := a.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, "hi")
	require.ErrorIs(t, err, transport.ErrInviteTimeout)
}

func TestDataFromNonMemberDropped(t *testing.T) {
	a, b := newTestNode(t, "alice"), newTestNode(t, "bob")
	connect(t, a, b)

	err := b.SendTo(context.Background(), []transport.Peer{a.Self()}, []byte("sneaky"))
	require.Error(t, err)

	select {
	case ev := <-a.Events():
		assert.NotEqual(t, transport.DataReceived, ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNonUTF8InvitationRefused(t *testing.T) {
	a, b := newTestNode(t, "alice"), newTestNode(t, "bob")
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := b.Host.NewStream(ctx, a.Host.ID(), protocol.ID(proto.InviteProtoID))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, json.NewEncoder(s).Encode(proto.InviteMsg{ID: "x", Name: "bob", Context: []byte{0xff, 0xfe}}))
	var reply proto.InviteReply
	require.NoError(t, json.NewDecoder(bufio.NewReader(s)).Decode(&reply))
	assert.Equal(t, "x", reply.ID)
	assert.False(t, reply.Accepted)

	select {
	case ev := <-a.Events():
		assert.NotEqual(t, transport.InvitationReceived, ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectDropsMembers(t *testing.T) {
	a, b := newTestNode(t, "alice"), newTestNode(t, "bob")
	connect(t, a, b)
	answerNext(b, true)
	require.NoError(t, a.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, ""))
	waitFor(t, a, transport.PeerConnected)

	a.Disconnect()
	ev := waitFor(t, a, transport.PeerDisconnected)
	assert.Equal(t, b.ID(), ev.Peer.ID)
	assert.Empty(t, a.Members())

	evB := waitFor(t, b, transport.PeerDisconnected)
	assert.Equal(t, a.ID(), evB.Peer.ID)
}

func TestPairedNodeRefusesOtherPeers(t *testing.T) {
	a, b, c := newTestNode(t, "alice"), newTestNode(t, "bob"), newTestNode(t, "carol")
	connect(t, a, b)
	connect(t, c, b)

	answerNext(b, true)
	require.NoError(t, a.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, "pair"))
	waitFor(t, b, transport.PeerConnected)

	// carol is refused without bob being asked
	err := c.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, "me too")
	require.ErrorIs(t, err, transport.ErrInviteRejected)
	assert.Empty(t, c.Members())

	quiet := time.After(300 * time.Millisecond)
drain:
	for {
		select {
		case ev := <-b.Events():
			assert.NotEqual(t, transport.InvitationReceived, ev.Kind)
			assert.NotEqual(t, transport.PeerConnected, ev.Kind)
		case <-quiet:
			break drain
		}
	}

	// bob cannot invite carol either
	err = b.Invite(context.Background(), transport.Peer{ID: c.ID(), Name: "carol"}, "")
	require.ErrorIs(t, err, transport.ErrBusy)

	require.Len(t, b.Members(), 1)
	assert.Equal(t, a.ID(), b.Members()[0].ID)

	// a repeated invite from the current peer is still fine
	require.NoError(t, a.Invite(context.Background(), transport.Peer{ID: b.ID(), Name: "bob"}, "again"))
}
