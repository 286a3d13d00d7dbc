// Package bridge exposes the session to a browser or companion app: a
// websocket that streams what the controller reports and accepts the
// user's invite/answer/reset commands, plus JSON state and metrics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/nearby/internal/metrics"
	"github.com/petervdpas/nearby/internal/ranging"
	"github.com/petervdpas/nearby/internal/session"
	"github.com/petervdpas/nearby/internal/state"
	"github.com/petervdpas/nearby/internal/transport"
	"github.com/petervdpas/nearby/internal/util"
)

var log = logging.Logger("bridge")

// Event types streamed to clients.
const (
	EventCandidate        = "candidate"
	EventCandidatesReset  = "candidates_reset"
	EventConnected        = "connected"
	EventInvitation       = "invitation"
	EventInvitationClosed = "invitation_closed"
	EventRanging          = "ranging"
	EventError            = "error"
)

// Command types accepted from clients.
const (
	CmdInvite = "invite"
	CmdAnswer = "answer"
	CmdReset  = "reset"
)

type Event struct {
	Type       string          `json:"type"`
	TS         time.Time       `json:"ts"`
	Peer       *transport.Peer `json:"peer,omitempty"`
	Invitation *Invitation     `json:"invitation,omitempty"`
	Ranging    *ranging.Update `json:"ranging,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type Invitation struct {
	ID      string         `json:"id"`
	From    transport.Peer `json:"from"`
	Context string         `json:"context"`
	Prompt  string         `json:"prompt"`
}

type Command struct {
	Type         string `json:"type"`
	PeerID       string `json:"peer_id,omitempty"`
	Text         string `json:"text,omitempty"`
	InvitationID string `json:"invitation_id,omitempty"`
	Accept       bool   `json:"accept,omitempty"`
}

// Controller is the part of the session controller the bridge drives.
type Controller interface {
	Snapshot() session.Snapshot
	InviteWithShare(p transport.Peer, text string)
	Reset() error
}

var (
	errNoController      = errors.New("no session attached")
	errUnknownCandidate  = errors.New("unknown or unreachable peer")
	errUnknownInvitation = errors.New("unknown or expired invitation")
)

var _ session.UI = (*Server)(nil)

// Server is both a session.UI and the HTTP handler clients talk to.
type Server struct {
	mu         sync.Mutex
	ctrl       Controller
	history    *util.RingBuffer[Event]
	subs       map[chan Event]struct{}
	candidates map[string]transport.Peer
	pending    map[string]*transport.Invitation

	metrics *metrics.Collectors
	peers   *state.PeerTable
	now     func() time.Time
}

type Option func(*Server)

func WithMetrics(m *metrics.Collectors) Option { return func(s *Server) { s.metrics = m } }

// WithPeers serves the discovery directory on /api/peers.
func WithPeers(p *state.PeerTable) Option { return func(s *Server) { s.peers = p } }

// New creates a server replaying the last replay events to new clients.
func New(replay int, opts ...Option) *Server {
	s := &Server{
		history:    util.NewRingBuffer[Event](replay),
		subs:       make(map[chan Event]struct{}),
		candidates: make(map[string]transport.Peer),
		pending:    make(map[string]*transport.Invitation),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach sets the controller commands are forwarded to. The bridge is
// created before the controller, since the controller needs it as UI.
func (s *Server) Attach(c Controller) {
	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()
}

func (s *Server) PeerCandidateDiscovered(p transport.Peer) {
	s.mu.Lock()
	s.candidates[p.ID] = p
	s.mu.Unlock()
	s.publish(Event{Type: EventCandidate, Peer: &p}, true)
}

// ConnectedPeerChanged also drops the candidate list: every pairing change
// starts a new advertising round and the transport reports live peers again.
func (s *Server) ConnectedPeerChanged(p *transport.Peer) {
	s.mu.Lock()
	clear(s.candidates)
	s.mu.Unlock()
	s.publish(Event{Type: EventCandidatesReset}, true)

	ev := Event{Type: EventConnected}
	if p != nil {
		cp := *p
		ev.Peer = &cp
	}
	s.publish(ev, true)
}

func (s *Server) IncomingInvitation(inv *transport.Invitation) {
	s.mu.Lock()
	s.pending[inv.ID] = inv
	s.mu.Unlock()

	s.publish(Event{Type: EventInvitation, Invitation: &Invitation{
		ID:      inv.ID,
		From:    inv.From,
		Context: inv.Context,
		Prompt:  fmt.Sprintf("Would you like to accept: %s", inv.Context),
	}}, true)

	go func() {
		<-inv.Done()
		s.mu.Lock()
		delete(s.pending, inv.ID)
		s.mu.Unlock()
		s.publish(Event{Type: EventInvitationClosed, Invitation: &Invitation{ID: inv.ID, From: inv.From}}, true)
	}()
}

// RangingUpdated streams the update. Updates are not kept for replay.
func (s *Server) RangingUpdated(u ranging.Update) {
	s.publish(Event{Type: EventRanging, Ranging: &u}, false)
}

func (s *Server) publish(ev Event, keep bool) {
	ev.TS = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep {
		s.history.Push(ev)
	}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// drop on slow subscriber
		}
	}
}

// subscribe returns the replay and a live channel, atomically.
func (s *Server) subscribe() ([]Event, chan Event) {
	ch := make(chan Event, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	return s.history.Snapshot(), ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// Apply executes one client command.
func (s *Server) Apply(cmd Command) error {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()

	switch cmd.Type {
	case CmdInvite:
		if ctrl == nil {
			return errNoController
		}
		p, ok := s.candidate(cmd.PeerID)
		if !ok {
			return fmt.Errorf("%w: %s", errUnknownCandidate, cmd.PeerID)
		}
		ctrl.InviteWithShare(p, cmd.Text)
		return nil

	case CmdAnswer:
		s.mu.Lock()
		inv, ok := s.pending[cmd.InvitationID]
		s.mu.Unlock()
		if !ok {
			return errUnknownInvitation
		}
		if cmd.Accept {
			inv.Accept()
		} else {
			inv.Reject()
		}
		return nil

	case CmdReset:
		if ctrl == nil {
			return errNoController
		}
		return ctrl.Reset()

	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

// candidate looks up an invitable peer. With a peer table attached, a
// candidate the directory no longer sees as reachable is dropped.
func (s *Server) candidate(id string) (transport.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.candidates[id]
	if !ok {
		return transport.Peer{}, false
	}
	if s.peers != nil {
		if sp, seen := s.peers.Get(id); !seen || !sp.Reachable {
			delete(s.candidates, id)
			return transport.Peer{}, false
		}
	}
	return p, true
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	handleGet(mux, "/api/state", s.serveState)
	handleGet(mux, "/api/peers", s.servePeers)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// ListenAndServe serves Handler on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("bridge listening on http://%s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
