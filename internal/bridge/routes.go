package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Companion apps connect from localhost pages and file:// origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		http.Error(w, errNoController.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, ctrl.Snapshot())
}

func (s *Server) servePeers(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, s.peers.Snapshot())
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	replay, ch := s.subscribe()
	defer s.unsubscribe(ch)
	log.Debugf("client %s connected (%d replayed)", r.RemoteAddr, len(replay))

	// Replies to one client's commands go only to that client.
	replies := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if err := s.Apply(cmd); err != nil {
				select {
				case replies <- Event{Type: EventError, TS: s.now(), Error: err.Error()}:
				default:
				}
			}
		}
	}()

	write := func(ev Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev) == nil
	}

	for _, ev := range replay {
		if !write(ev) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev := <-replies:
			if !write(ev) {
				return
			}
		case ev := <-ch:
			if !write(ev) {
				return
			}
		}
	}
}
