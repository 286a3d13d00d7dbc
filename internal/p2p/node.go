// Package p2p is the libp2p implementation of the peer transport: mDNS and
// gossipsub presence for discovery, a hello protocol for display names,
// directed invitations, and ACKed delivery to the peers that accepted one.
package p2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/nearby/internal/metrics"
	"github.com/petervdpas/nearby/internal/proto"
	"github.com/petervdpas/nearby/internal/state"
	"github.com/petervdpas/nearby/internal/transport"
	"github.com/petervdpas/nearby/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors go to stderr by default and drown
	// the session log.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// Options configures a Node. Zero fields take the defaults from proto and
// transport.
type Options struct {
	ListenHost    string // default 0.0.0.0
	ListenPort    int
	MdnsTag       string
	PresenceTopic string
	DisplayName   string
	InviteTimeout time.Duration
	SendTimeout   time.Duration
	PresenceTTL   time.Duration
	Metrics       *metrics.Collectors
}

func (o Options) withDefaults() Options {
	if o.ListenHost == "" {
		o.ListenHost = "0.0.0.0"
	}
	if o.MdnsTag == "" {
		o.MdnsTag = proto.MdnsTag
	}
	if o.PresenceTopic == "" {
		o.PresenceTopic = proto.PresenceTopic
	}
	if o.InviteTimeout <= 0 {
		o.InviteTimeout = transport.InviteTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 20 * time.Second
	}
	return o
}

var _ transport.Transport = (*Node)(nil)

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	opts  Options
	self  transport.Peer
	peers *state.PeerTable

	ctx    context.Context
	cancel context.CancelFunc

	// advertising state
	mu          sync.Mutex
	md          mdns.Service
	advertising bool
	announced   map[string]string // peer id -> name surfaced since the last Start

	memMu   sync.Mutex
	members map[peer.ID]*member

	seq    int64
	events chan transport.Event
}

type mdnsNotifee struct {
	n *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.n.Host.ID() {
		return
	}
	go m.n.found(pi)
}

// New creates the libp2p host with a fresh identity. Discovery starts with
// Start; the presence and connectedness watchers run until ctx ends or the
// node is closed.
func New(ctx context.Context, opts Options, peers *state.PeerTable) (*Node, error) {
	opts = opts.withDefaults()
	name, err := util.ValidateDisplayName(opts.DisplayName)
	if err != nil {
		return nil, err
	}
	if peers == nil {
		peers = state.NewPeerTable()
	}

	// No identity is persisted: every run is a new peer.
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("p2p: identity key: %w", err)
	}
	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", opts.ListenHost, opts.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("p2p: listen address: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(opts.PresenceTopic)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		opts:      opts,
		self:      transport.Peer{ID: h.ID().String(), Name: name},
		peers:     peers,
		ctx:       ctx,
		cancel:    cancel,
		announced: make(map[string]string),
		members:   make(map[peer.ID]*member),
		events:    make(chan transport.Event, 256),
	}

	h.SetStreamHandler(protocol.ID(proto.HelloProtoID), func(s network.Stream) {
		defer s.Close()
		_, _ = s.Write([]byte(n.self.Name + "\n"))
	})
	h.SetStreamHandler(protocol.ID(proto.InviteProtoID), n.handleInvite)
	h.SetStreamHandler(protocol.ID(proto.DataProtoID), n.handleData)

	if err := n.watchConnectedness(); err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	go n.runPresenceLoop()
	go n.runHeartbeat()

	log.Infof("node %s (%s) listening on %v", util.Short(n.self.ID, 12), name, h.Addrs())
	return n, nil
}

func (n *Node) ID() string { return n.self.ID }

// Self is this node as a transport peer.
func (n *Node) Self() transport.Peer { return n.self }

// Peers is the discovery directory.
func (n *Node) Peers() *state.PeerTable { return n.peers }

func (n *Node) Events() <-chan transport.Event { return n.events }

// Start begins mDNS advertising/browsing and announces presence.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.advertising {
		return nil
	}
	md := mdns.NewMdnsService(n.Host, n.opts.MdnsTag, &mdnsNotifee{n: n})
	if err := md.Start(); err != nil {
		return fmt.Errorf("p2p: start mdns: %w", err)
	}
	n.md = md
	n.advertising = true
	n.announced = make(map[string]string)
	n.publish(proto.TypeOnline)
	log.Debugf("advertising as %q on %s", n.self.Name, n.opts.MdnsTag)
	return nil
}

// Stop halts advertising; members stay connected.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.advertising {
		return
	}
	if err := n.md.Close(); err != nil {
		log.Debugf("close mdns: %v", err)
	}
	n.md = nil
	n.advertising = false
	n.publish(proto.TypeOffline)
	log.Debugf("advertising stopped")
}

// Disconnect stops advertising, drops every member and resumes advertising.
func (n *Node) Disconnect() {
	n.Stop()

	n.memMu.Lock()
	dropped := make([]*member, 0, len(n.members))
	for pid, m := range n.members {
		delete(n.members, pid)
		dropped = append(dropped, m)
	}
	n.memMu.Unlock()

	for _, m := range dropped {
		m.resolve(false)
		if err := n.Host.Network().ClosePeer(m.pid); err != nil {
			log.Debugf("close %s: %v", m.info, err)
		}
		if m.accepted() {
			n.emit(transport.Event{Kind: transport.PeerDisconnected, Peer: m.info})
		}
	}
	if len(dropped) > 0 {
		log.Infof("dropped %d member(s)", len(dropped))
	}
	if err := n.Start(); err != nil {
		log.Warnf("resume advertising: %v", err)
	}
}

// Close tears the node down.
func (n *Node) Close() error {
	n.Stop()
	n.cancel()
	return n.Host.Close()
}

func (n *Node) emit(ev transport.Event) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

func (n *Node) isAdvertising() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.advertising
}

// surface emits PeerDiscovered the first time a peer (or a new name for it)
// is seen during the current advertising round.
func (n *Node) surface(id, name string) {
	n.mu.Lock()
	if !n.advertising || n.announced[id] == name {
		n.mu.Unlock()
		return
	}
	n.announced[id] = name
	n.mu.Unlock()
	n.emit(transport.Event{Kind: transport.PeerDiscovered, Peer: transport.Peer{ID: id, Name: name}})
}

func (n *Node) forget(id string) {
	n.mu.Lock()
	delete(n.announced, id)
	n.mu.Unlock()
}

// found handles an mDNS hit: connect, learn the display name, surface it.
func (n *Node) found(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(ctx, pi); err != nil {
		log.Debugf("connect %s: %v", util.Short(pi.ID.String(), 12), err)
		return
	}

	id := pi.ID.String()
	name, err := n.FetchName(n.ctx, id)
	if err != nil || name == "" {
		log.Debugf("hello %s: %v", util.Short(id, 12), err)
		name = util.Short(id, 8)
	}
	if n.peers.Upsert(id, name) {
		log.Infof("found %s (%s)", name, util.Short(id, 12))
	}
	n.surface(id, name)
}

// FetchName asks peerID for its display name over the hello protocol.
func (n *Node) FetchName(ctx context.Context, peerID string) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.HelloProtoID))
	if err != nil {
		return "", err
	}
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(util.DefaultFetchTimeout))

	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (n *Node) publish(typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.self.ID,
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline {
		msg.Name = n.self.Name
		msg.Addrs = n.lanAddrs()
	}
	b, _ := json.Marshal(msg)
	if err := n.topic.Publish(n.ctx, b); err != nil {
		log.Debugf("publish %s: %v", typ, err)
	}
}

// lanAddrs returns the host's addresses without loopback and link-local ones.
func (n *Node) lanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs adds announced addresses to the peerstore for the presence TTL.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var keep []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			continue
		}
		keep = append(keep, a)
	}
	if len(keep) > 0 {
		n.Host.Peerstore().AddAddrs(pid, keep, n.opts.PresenceTTL)
	}
}

func (n *Node) runPresenceLoop() {
	for {
		m, err := n.sub.Next(n.ctx)
		if err != nil {
			return
		}
		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.self.ID {
			continue
		}

		switch pm.Type {
		case proto.TypeOnline:
			name := strings.TrimSpace(pm.Name)
			if name == "" {
				name = util.Short(pm.PeerID, 8)
			}
			n.peers.Upsert(pm.PeerID, name)
			n.addPeerAddrs(pm.PeerID, pm.Addrs)
			n.surface(pm.PeerID, name)
		case proto.TypeOffline:
			n.peers.Remove(pm.PeerID)
			n.forget(pm.PeerID)
		}
	}
}

// runHeartbeat re-announces presence and ages out silent peers.
func (n *Node) runHeartbeat() {
	t := time.NewTicker(n.opts.PresenceTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			if n.isAdvertising() {
				n.publish(proto.TypeOnline)
			}
			now := time.Now()
			for _, id := range n.peers.PruneStale(now.Add(-n.opts.PresenceTTL), now.Add(-3*n.opts.PresenceTTL)) {
				n.forget(id)
			}
		}
	}
}

// watchConnectedness turns a dropped libp2p connection to a member into
// PeerDisconnected and resumes advertising.
func (n *Node) watchConnectedness() error {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("p2p: subscribe connectedness: %w", err)
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				ev := e.(event.EvtPeerConnectednessChanged)
				if ev.Connectedness != network.NotConnected {
					continue
				}
				n.peers.MarkOffline(ev.Peer.String())
				n.forget(ev.Peer.String())
				n.memberLost(ev.Peer)
			}
		}
	}()
	return nil
}
