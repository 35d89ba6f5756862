package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// WS is an Adapter backed by a relay server's websocket endpoint. The
// base URL is the relay root, e.g. "ws://192.168.1.20:8081"; channels
// map to /ws/<name> paths.
type WS struct {
	base   string
	dialer *websocket.Dialer
	log    *slog.Logger
}

// NewWS creates a websocket adapter for the relay at baseURL.
func NewWS(baseURL string) *WS {
	return &WS{
		base:   baseURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    slog.Default(),
	}
}

func (a *WS) Channel(name string) Handle {
	return &wsHandle{
		adapter:   a,
		name:      name,
		broadcast: make(map[string][]func(json.RawMessage)),
		send:      make(chan Frame, queueSize),
		done:      make(chan struct{}),
	}
}

type wsHandle struct {
	adapter *WS
	name    string

	mu          sync.Mutex
	broadcast   map[string][]func(json.RawMessage)
	presenceFns []func()
	closeFns    []func(error)
	state       map[string][]map[string]any
	conn        *websocket.Conn
	subscribed  bool
	closing     bool

	send chan Frame
	done chan struct{}
}

func (h *wsHandle) OnBroadcast(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast[event] = append(h.broadcast[event], fn)
}

func (h *wsHandle) OnPresenceSync(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presenceFns = append(h.presenceFns, fn)
}

func (h *wsHandle) OnClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeFns = append(h.closeFns, fn)
}

// Subscribe dials the relay, retrying the dial with exponential backoff
// until it succeeds or the context/backoff gives up. Once subscribed, a
// dropped connection is never redialed; the handle just closes.
func (h *wsHandle) Subscribe(ctx context.Context) error {
	h.mu.Lock()
	if h.subscribed {
		h.mu.Unlock()
		return fmt.Errorf("already subscribed to %q", h.name)
	}
	h.mu.Unlock()

	endpoint := h.adapter.base + "/ws/" + url.PathEscape(h.name)

	var conn *websocket.Conn
	dial := func() error {
		c, _, err := h.adapter.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	h.mu.Lock()
	h.conn = conn
	h.subscribed = true
	h.mu.Unlock()

	go h.writePump(conn)
	go h.readPump(conn)
	return nil
}

func (h *wsHandle) writePump(conn *websocket.Conn) {
	for {
		select {
		case f := <-h.send:
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-h.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return
		}
	}
}

func (h *wsHandle) readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			h.connectionLost(err)
			return
		}
		switch f.Type {
		case FrameBroadcast:
			h.mu.Lock()
			fns := append([]func(json.RawMessage){}, h.broadcast[f.Event]...)
			h.mu.Unlock()
			for _, fn := range fns {
				fn(f.Payload)
			}
		case FramePresence:
			h.mu.Lock()
			h.state = f.State
			fns := append([]func(){}, h.presenceFns...)
			h.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		default:
			h.adapter.log.Debug("unknown relay frame", "type", f.Type, "channel", h.name)
		}
	}
}

// connectionLost fires the close callbacks unless the handle itself
// initiated the shutdown.
func (h *wsHandle) connectionLost(err error) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.closing = true
	fns := append([]func(error){}, h.closeFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// enqueue queues a frame for the write pump, dropping it if the
// relay connection is saturated.
func (h *wsHandle) enqueue(f Frame) error {
	h.mu.Lock()
	if !h.subscribed || h.closing {
		h.mu.Unlock()
		return fmt.Errorf("not subscribed to %q", h.name)
	}
	h.mu.Unlock()
	select {
	case h.send <- f:
		return nil
	default:
		return fmt.Errorf("send buffer full on %q", h.name)
	}
}

func (h *wsHandle) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	return h.enqueue(Frame{Type: FrameBroadcast, Event: event, Payload: raw})
}

func (h *wsHandle) Track(ctx context.Context, meta map[string]any) error {
	return h.enqueue(Frame{Type: FrameTrack, Meta: meta})
}

func (h *wsHandle) Untrack(ctx context.Context) error {
	return h.enqueue(Frame{Type: FrameUntrack})
}

func (h *wsHandle) PresenceState() map[string][]map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := make(map[string][]map[string]any, len(h.state))
	for key, entries := range h.state {
		state[key] = append([]map[string]any{}, entries...)
	}
	return state
}

func (h *wsHandle) Unsubscribe() error {
	h.mu.Lock()
	if !h.subscribed || h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	h.mu.Unlock()
	close(h.done)
	return nil
}
