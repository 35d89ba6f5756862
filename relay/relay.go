// Package relay is the pub/sub + presence service the websocket channel
// adapter connects to: per-channel rooms with broadcast fan-out and
// presence tracking, optionally bridged across instances through Redis.
package relay

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server upgrades websocket connections and routes them into rooms.
type Server struct {
	upgrader websocket.Upgrader
	bridge   *Bridge
	log      *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
	quit  chan struct{}
}

// NewServer creates a relay. bridge may be nil for a single-instance
// deployment.
func NewServer(bridge *Bridge) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bridge: bridge,
		log:    slog.Default(),
		rooms:  make(map[string]*Room),
		quit:   make(chan struct{}),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Methods(http.MethodGet).Path("/ws/{channel}").HandlerFunc(s.serveWS)
	return r
}

// Close shuts every room down and disconnects their clients.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

func (s *Server) room(name string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[name]
	if !ok {
		room = newRoom(name, s.bridge, s.quit, s.log)
		s.rooms[name] = room
		go room.run()
		if s.bridge != nil {
			go s.bridge.run(s.quit, name, room.fromBridge)
		}
	}
	return room
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["channel"]
	room := s.room(name)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "channel", name, "err", err)
		return
	}

	c := &client{
		room:      room,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		memberKey: uuid.NewString(),
	}
	select {
	case room.register <- c:
	case <-s.quit:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
