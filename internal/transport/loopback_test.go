package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, tr *Loopback) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no transport event")
		return Event{}
	}
}

func answerNext(t *testing.T, tr *Loopback, accept bool) {
	t.Helper()
	go func() {
		for ev := range tr.Events() {
			if ev.Kind == InvitationReceived {
				if accept {
					ev.Invitation.Accept()
				} else {
					ev.Invitation.Reject()
				}
				return
			}
		}
	}()
}

func TestLoopbackDiscovery(t *testing.T) {
	a, b := NewLoopbackPair("alice", "bob")
	require.NoError(t, a.Start())
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	ev := recv(t, a)
	assert.Equal(t, PeerDiscovered, ev.Kind)
	assert.Equal(t, b.Self(), ev.Peer)
	ev = recv(t, b)
	assert.Equal(t, PeerDiscovered, ev.Kind)
	assert.Equal(t, a.Self(), ev.Peer)
}

func TestLoopbackInviteAcceptedThenSend(t *testing.T) {
	a, b := NewLoopbackPair("alice", "bob")
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	recv(t, a)
	recv(t, b)

	go func() {
		ev := <-b.Events()
		if ev.Kind == InvitationReceived {
			assert.Equal(t, "hello", ev.Invitation.Context)
			ev.Invitation.Accept()
		}
	}()
	require.NoError(t, a.Invite(context.Background(), b.Self(), "hello"))

	ev := recv(t, a)
	assert.Equal(t, PeerConnected, ev.Kind)
	assert.Equal(t, b.Self(), ev.Peer)
	ev = recv(t, b)
	assert.Equal(t, PeerConnected, ev.Kind)

	a.SendToAll([]byte("tok"))
	ev = recv(t, b)
	assert.Equal(t, DataReceived, ev.Kind)
	assert.Equal(t, []byte("tok"), ev.Data)
	assert.Equal(t, a.Self(), ev.Peer)
}

func TestLoopbackInviteRejectedAndTimeout(t *testing.T) {
	a, b := NewLoopbackPair("alice", "bob")
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	recv(t, a)
	recv(t, b)

	answerNext(t, b, false)
	assert.ErrorIs(t, a.Invite(context.Background(), b.Self(), "x"), ErrInviteRejected)

	a.SetInviteTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, a.Invite(context.Background(), b.Self(), "x"), ErrInviteTimeout)

	assert.ErrorIs(t, a.Invite(context.Background(), Peer{ID: "nope"}, "x"), ErrUnknownPeer)
}

func TestLoopbackDisconnectRestartsAdvertising(t *testing.T) {
	a, b := NewLoopbackPair("alice", "bob")
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	recv(t, a)
	recv(t, b)

	answerNext(t, b, true)
	require.NoError(t, a.Invite(context.Background(), b.Self(), ""))
	assert.Equal(t, PeerConnected, recv(t, a).Kind)
	// b's connect event was consumed by answerNext's goroutine or is pending.

	a.Disconnect()
	assert.Equal(t, PeerDisconnected, recv(t, a).Kind)
	assert.Equal(t, PeerDiscovered, recv(t, a).Kind, "advertising resumes after disconnect")

	a.SendToAll([]byte("dropped"))
	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInvitationResolvesOnce(t *testing.T) {
	inv := NewInvitation("id", Peer{ID: "p"}, "ctx")
	inv.Accept()
	inv.Reject()
	ok, err := inv.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	select {
	case <-inv.Done():
	default:
		t.Fatal("done not closed")
	}

	inv = NewInvitation("id2", Peer{ID: "p"}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err = inv.Wait(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInviteTimeout)
}
