package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/jonathanhooker/rivesync/channel"
)

// Room owns one named channel: the set of connected clients, their
// presence entries, and the fan-out of broadcast frames. All room state
// is confined to the run loop; clients talk to it over channels.
type Room struct {
	name string
	log  *slog.Logger

	register   chan *client
	unregister chan *client
	inbound    chan inboundFrame
	fromBridge chan []byte

	clients  map[*client]bool
	presence map[string][]map[string]any

	bridge *Bridge
	quit   <-chan struct{}
}

type inboundFrame struct {
	c *client
	f channel.Frame
}

func newRoom(name string, bridge *Bridge, quit <-chan struct{}, log *slog.Logger) *Room {
	return &Room{
		name:       name,
		log:        log.With("channel", name),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inboundFrame, 64),
		fromBridge: make(chan []byte, 64),
		clients:    make(map[*client]bool),
		presence:   make(map[string][]map[string]any),
		bridge:     bridge,
		quit:       quit,
	}
}

func (r *Room) run() {
	for {
		select {
		case c := <-r.register:
			r.clients[c] = true
			// New clients get the membership snapshot immediately so
			// their presence state is valid before anything changes.
			c.trySend(r.presenceFrame())
			r.log.Debug("client registered", "clients", len(r.clients))

		case c := <-r.unregister:
			if _, ok := r.clients[c]; !ok {
				break
			}
			delete(r.clients, c)
			close(c.send)
			if _, tracked := r.presence[c.memberKey]; tracked {
				delete(r.presence, c.memberKey)
				r.fanOut(r.presenceFrame())
			}
			r.log.Debug("client unregistered", "clients", len(r.clients))

		case in := <-r.inbound:
			r.handleFrame(in)

		case raw := <-r.fromBridge:
			// Broadcast relayed from another relay instance; local
			// fan-out only, never re-published.
			r.fanOut(raw)

		case <-r.quit:
			for c := range r.clients {
				close(c.send)
			}
			return
		}
	}
}

func (r *Room) handleFrame(in inboundFrame) {
	switch in.f.Type {
	case channel.FrameBroadcast:
		raw, err := json.Marshal(in.f)
		if err != nil {
			return
		}
		r.fanOut(raw)
		if r.bridge != nil {
			r.bridge.publish(r.name, raw)
		}

	case channel.FrameTrack:
		r.presence[in.c.memberKey] = []map[string]any{in.f.Meta}
		r.fanOut(r.presenceFrame())

	case channel.FrameUntrack:
		if _, tracked := r.presence[in.c.memberKey]; tracked {
			delete(r.presence, in.c.memberKey)
			r.fanOut(r.presenceFrame())
		}

	default:
		r.log.Debug("dropping unknown frame", "type", in.f.Type)
	}
}

func (r *Room) presenceFrame() []byte {
	state := make(map[string][]map[string]any, len(r.presence))
	for key, entries := range r.presence {
		state[key] = entries
	}
	raw, err := json.Marshal(channel.Frame{Type: channel.FramePresence, State: state})
	if err != nil {
		return nil
	}
	return raw
}

// fanOut delivers a frame to every client, dropping clients whose send
// buffer is full.
func (r *Room) fanOut(raw []byte) {
	if raw == nil {
		return
	}
	for c := range r.clients {
		select {
		case c.send <- raw:
		default:
			close(c.send)
			delete(r.clients, c)
			delete(r.presence, c.memberKey)
		}
	}
}
