package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// queueSize bounds per-handle delivery buffering; a subscriber that
// falls this far behind starts losing messages, same policy as the
// relay's per-client send buffer.
const queueSize = 256

// Memory is an in-process broker implementing Adapter. Every handle on
// the same Memory instance shares the same channels and presence sets.
// Delivery is asynchronous: each handle drains its own queue on its own
// goroutine, so subscribers observe events from outside the sender's
// call stack, like they would on a real transport.
type Memory struct {
	mu       sync.Mutex
	channels map[string]*memChannel
}

type memChannel struct {
	handles  map[*MemoryHandle]struct{}
	presence map[string][]map[string]any
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{channels: make(map[string]*memChannel)}
}

func (m *Memory) channel(name string) *memChannel {
	ch, ok := m.channels[name]
	if !ok {
		ch = &memChannel{
			handles:  make(map[*MemoryHandle]struct{}),
			presence: make(map[string][]map[string]any),
		}
		m.channels[name] = ch
	}
	return ch
}

// Channel returns a new, not yet subscribed handle on the named channel.
func (m *Memory) Channel(name string) Handle {
	return &MemoryHandle{
		broker:    m,
		name:      name,
		memberKey: uuid.NewString(),
		broadcast: make(map[string][]func(json.RawMessage)),
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
	}
}

// MemoryHandle is one subscription on a Memory broker.
type MemoryHandle struct {
	broker    *Memory
	name      string
	memberKey string

	mu          sync.Mutex
	broadcast   map[string][]func(json.RawMessage)
	presenceFns []func()
	closeFns    []func(error)
	subscribed  bool

	queue chan func()
	done  chan struct{}
}

func (h *MemoryHandle) OnBroadcast(event string, fn func(json.RawMessage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast[event] = append(h.broadcast[event], fn)
}

func (h *MemoryHandle) OnPresenceSync(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presenceFns = append(h.presenceFns, fn)
}

func (h *MemoryHandle) OnClose(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeFns = append(h.closeFns, fn)
}

func (h *MemoryHandle) Subscribe(ctx context.Context) error {
	h.mu.Lock()
	if h.subscribed {
		h.mu.Unlock()
		return fmt.Errorf("already subscribed to %q", h.name)
	}
	h.subscribed = true
	h.mu.Unlock()

	h.broker.mu.Lock()
	ch := h.broker.channel(h.name)
	ch.handles[h] = struct{}{}
	h.broker.mu.Unlock()

	go h.deliverLoop()

	// Initial membership snapshot for the new subscriber.
	h.enqueue(h.firePresenceSync)
	return nil
}

func (h *MemoryHandle) deliverLoop() {
	for {
		select {
		case fn := <-h.queue:
			fn()
		case <-h.done:
			return
		}
	}
}

// enqueue hands a callback to the handle's delivery goroutine, dropping
// it if the subscriber is too far behind.
func (h *MemoryHandle) enqueue(fn func()) {
	select {
	case h.queue <- fn:
	default:
	}
}

func (h *MemoryHandle) fireBroadcast(event string, payload json.RawMessage) {
	h.mu.Lock()
	fns := append([]func(json.RawMessage){}, h.broadcast[event]...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (h *MemoryHandle) firePresenceSync() {
	h.mu.Lock()
	fns := append([]func(){}, h.presenceFns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (h *MemoryHandle) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}

	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()
	ch, ok := h.broker.channels[h.name]
	if !ok {
		return fmt.Errorf("not subscribed to %q", h.name)
	}
	if _, ok := ch.handles[h]; !ok {
		return fmt.Errorf("not subscribed to %q", h.name)
	}
	// Sender included: echo suppression is the receiver's job.
	for peer := range ch.handles {
		p := peer
		p.enqueue(func() { p.fireBroadcast(event, raw) })
	}
	return nil
}

func (h *MemoryHandle) Track(ctx context.Context, meta map[string]any) error {
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()
	ch, ok := h.broker.channels[h.name]
	if !ok {
		return fmt.Errorf("not subscribed to %q", h.name)
	}
	if _, ok := ch.handles[h]; !ok {
		return fmt.Errorf("not subscribed to %q", h.name)
	}
	ch.presence[h.memberKey] = []map[string]any{meta}
	fanPresenceSync(ch)
	return nil
}

func (h *MemoryHandle) Untrack(ctx context.Context) error {
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()
	ch, ok := h.broker.channels[h.name]
	if !ok {
		return nil
	}
	if _, tracked := ch.presence[h.memberKey]; tracked {
		delete(ch.presence, h.memberKey)
		fanPresenceSync(ch)
	}
	return nil
}

func fanPresenceSync(ch *memChannel) {
	for peer := range ch.handles {
		p := peer
		p.enqueue(p.firePresenceSync)
	}
}

func (h *MemoryHandle) PresenceState() map[string][]map[string]any {
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()
	state := make(map[string][]map[string]any)
	ch, ok := h.broker.channels[h.name]
	if !ok {
		return state
	}
	for key, entries := range ch.presence {
		state[key] = append([]map[string]any{}, entries...)
	}
	return state
}

func (h *MemoryHandle) Unsubscribe() error {
	h.mu.Lock()
	if !h.subscribed {
		h.mu.Unlock()
		return nil
	}
	h.subscribed = false
	h.mu.Unlock()

	h.broker.mu.Lock()
	if ch, ok := h.broker.channels[h.name]; ok {
		delete(ch.handles, h)
		if _, tracked := ch.presence[h.memberKey]; tracked {
			delete(ch.presence, h.memberKey)
			fanPresenceSync(ch)
		}
	}
	h.broker.mu.Unlock()

	close(h.done)
	return nil
}
