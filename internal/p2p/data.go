package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/nearby/internal/proto"
	"github.com/petervdpas/nearby/internal/transport"
	"github.com/petervdpas/nearby/internal/util"
)

// SendToAll delivers data to every member in the background. Failures are
// logged and counted.
func (n *Node) SendToAll(data []byte) {
	targets := n.Members()
	if len(targets) == 0 {
		log.Debugf("send with no members (%d bytes)", len(data))
		return
	}
	cp := append([]byte(nil), data...)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.opts.SendTimeout)
		defer cancel()
		if err := n.SendTo(ctx, targets, cp); err != nil {
			log.Warnf("send to members: %v", err)
		}
	}()
}

// SendTo delivers data to each of peers concurrently and waits for every
// transport ACK. The result joins the per-peer errors.
func (n *Node) SendTo(ctx context.Context, peers []transport.Peer, data []byte) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p transport.Peer) {
			defer wg.Done()
			if err := n.sendOne(ctx, p, data); err != nil {
				n.opts.Metrics.SendFailure()
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (n *Node) sendOne(ctx context.Context, p transport.Peer, data []byte) error {
	pid, err := peer.Decode(p.ID)
	if err != nil {
		return fmt.Errorf("p2p: invalid peer id %q: %w", p.ID, err)
	}

	msg := proto.DataMsg{
		Type:    proto.MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&n.seq, 1),
		Payload: data,
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
	defer cancel()
	s, err := n.Host.NewStream(dialCtx, pid, protocol.ID(proto.DataProtoID))
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", p, err)
	}
	defer s.Close()

	if err := json.NewEncoder(s).Encode(msg); err != nil {
		return fmt.Errorf("p2p: encode msg: %w", err)
	}

	var ack proto.DataAck
	_ = s.SetReadDeadline(time.Now().Add(n.opts.SendTimeout))
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&ack); err != nil {
		return fmt.Errorf("p2p: waiting for ack from %s: %w", p, err)
	}
	if ack.ID != msg.ID {
		return fmt.Errorf("p2p: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}
	log.Debugf("sent %s (%d bytes) to %s", util.Short(msg.ID, 8), len(data), p)
	return nil
}

// handleData reads one DataMsg, ACKs it and delivers it. Payloads from
// peers outside the session are dropped unacknowledged.
func (n *Node) handleData(s network.Stream) {
	defer s.Close()
	pid := s.Conn().RemotePeer()

	_ = s.SetReadDeadline(time.Now().Add(30 * time.Second))
	var msg proto.DataMsg
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&msg); err != nil {
		log.Debugf("decode data from %s: %v", util.Short(pid.String(), 12), err)
		return
	}
	if msg.Type != proto.MsgTypeMsg {
		return
	}

	m, ok := n.lookupMember(pid)
	if !ok {
		log.Warnf("dropping %d bytes from non-member %s", len(msg.Payload), util.Short(pid.String(), 12))
		return
	}
	select {
	case <-m.ready:
	case <-time.After(n.opts.InviteTimeout):
	case <-n.ctx.Done():
		return
	}
	if !m.accepted() {
		log.Warnf("dropping %d bytes from %s: invitation not accepted", len(msg.Payload), m.info)
		return
	}

	ack := proto.DataAck{Type: proto.MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = s.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(s).Encode(ack); err != nil {
		log.Debugf("ack write error to %s: %v", m.info, err)
	}

	n.emit(transport.Event{Kind: transport.DataReceived, Peer: m.info, Data: msg.Payload})
}
