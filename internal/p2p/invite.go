package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/nearby/internal/proto"
	"github.com/petervdpas/nearby/internal/transport"
	"github.com/petervdpas/nearby/internal/util"
)

// Invite asks p to join the session, carrying share as context. It returns
// once p answered or the invite timeout passed.
func (n *Node) Invite(ctx context.Context, p transport.Peer, share string) error {
	if !utf8.ValidString(share) {
		return errors.New("p2p: share text is not valid UTF-8")
	}
	pid, err := peer.Decode(p.ID)
	if err != nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, p)
	}
	if m, ok := n.lookupMember(pid); ok && m.accepted() {
		return nil
	}
	if other, busy := n.paired(pid); busy {
		return fmt.Errorf("%w: %s", transport.ErrBusy, other)
	}

	timeout := n.opts.InviteTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	// Best effort connect (mDNS usually already connected)
	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	m := newMember(pid, p)
	n.memMu.Lock()
	n.members[pid] = m
	n.memMu.Unlock()

	accepted, err := n.sendInvite(ctx, pid, share, timeout)
	if err != nil {
		n.withdraw(pid, m)
		if ctx.Err() != nil || time.Since(start) >= timeout {
			return transport.ErrInviteTimeout
		}
		return fmt.Errorf("p2p: invite %s: %w", p, err)
	}
	if !accepted {
		n.withdraw(pid, m)
		return transport.ErrInviteRejected
	}

	if !n.admit(pid, p) {
		n.withdraw(pid, m)
		return transport.ErrBusy
	}
	log.Infof("%s accepted the invitation", p)
	return nil
}

func (n *Node) sendInvite(ctx context.Context, pid peer.ID, share string, timeout time.Duration) (bool, error) {
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.InviteProtoID))
	if err != nil {
		return false, fmt.Errorf("open invite stream: %w", err)
	}
	defer s.Close()

	msg := proto.InviteMsg{
		ID:      uuid.NewString(),
		Name:    n.self.Name,
		Context: []byte(share),
	}
	_ = s.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	if err := json.NewEncoder(s).Encode(msg); err != nil {
		return false, fmt.Errorf("send invite: %w", err)
	}

	dl := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = s.SetReadDeadline(dl)
	var reply proto.InviteReply
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&reply); err != nil {
		return false, fmt.Errorf("read invite reply: %w", err)
	}
	if reply.ID != msg.ID {
		return false, fmt.Errorf("invite reply id mismatch (got %s, want %s)", reply.ID, msg.ID)
	}
	return reply.Accepted, nil
}

// handleInvite surfaces an incoming invitation and writes the answer back.
// Invitations whose context is not UTF-8, or that arrive while another peer
// holds the session, are refused without asking.
func (n *Node) handleInvite(s network.Stream) {
	defer s.Close()
	pid := s.Conn().RemotePeer()

	_ = s.SetReadDeadline(time.Now().Add(util.DefaultFetchTimeout))
	var msg proto.InviteMsg
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&msg); err != nil {
		log.Debugf("decode invite from %s: %v", util.Short(pid.String(), 12), err)
		return
	}

	reply := proto.InviteReply{ID: msg.ID}
	if !utf8.Valid(msg.Context) {
		log.Warnf("dropping invitation %s from %s: context is not UTF-8", util.Short(msg.ID, 8), util.Short(pid.String(), 12))
		n.writeReply(s, reply)
		return
	}

	name := strings.TrimSpace(msg.Name)
	if name == "" {
		name = util.Short(pid.String(), 8)
	}
	n.peers.Upsert(pid.String(), name)
	from := transport.Peer{ID: pid.String(), Name: name}

	if other, busy := n.paired(pid); busy {
		log.Infof("refusing invitation from %s: paired with %s", from, other)
		n.opts.Metrics.Invitation("incoming", "busy")
		n.writeReply(s, reply)
		return
	}

	inv := transport.NewInvitation(msg.ID, from, string(msg.Context))
	n.emit(transport.Event{Kind: transport.InvitationReceived, Peer: from, Invitation: inv})

	ctx, cancel := context.WithTimeout(n.ctx, n.opts.InviteTimeout)
	defer cancel()
	ok, err := inv.Wait(ctx)
	// admitted before the reply so the inviter's first payload is accepted
	if ok && !n.admit(pid, from) {
		ok, err = false, transport.ErrBusy
	}
	switch {
	case errors.Is(err, transport.ErrBusy):
		n.opts.Metrics.Invitation("incoming", "busy")
	case err != nil:
		n.opts.Metrics.Invitation("incoming", "timeout")
	case ok:
		n.opts.Metrics.Invitation("incoming", "accepted")
	default:
		n.opts.Metrics.Invitation("incoming", "rejected")
	}

	reply.Accepted = ok
	n.writeReply(s, reply)
}

func (n *Node) writeReply(s network.Stream, reply proto.InviteReply) {
	_ = s.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	if err := json.NewEncoder(s).Encode(reply); err != nil {
		log.Debugf("write invite reply: %v", err)
	}
}
