package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathanhooker/rivesync/channel"
)

const (
	// BroadcastChannel is the pub/sub channel all peers meet on.
	BroadcastChannel = "rive-state-updates"
	// EventStateUpdate is the broadcast event carrying a Message.
	EventStateUpdate = "state-update"

	// DefaultThrottleWindow bounds peer broadcasts to one per window.
	DefaultThrottleWindow = 30 * time.Millisecond
	// DefaultDebounceDelay is the quiet period before a durable write.
	DefaultDebounceDelay = 1000 * time.Millisecond
)

// ConnState is the channel connection state. A closed channel stays
// Disconnected; there is no automatic reconnection.
type ConnState int

const (
	Disconnected ConnState = iota
	Subscribing
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config wires an Engine to its row and its transports.
type Config struct {
	// RowID selects the synchronized row.
	RowID int64
	// Adapter provides the pub/sub channel.
	Adapter channel.Adapter
	// Store provides durable reads and writes for the row.
	Store RowStore

	// ChannelName overrides BroadcastChannel. Peers only converge if
	// they agree on it.
	ChannelName string
	// ThrottleWindow overrides DefaultThrottleWindow.
	ThrottleWindow time.Duration
	// DebounceDelay overrides DefaultDebounceDelay.
	DebounceDelay time.Duration
	// Logger receives debug traces; nil means slog.Default.
	Logger *slog.Logger
}

// Snapshot is the caller-facing view of the engine: the current row
// copy (nil before the first successful load) plus status flags.
type Snapshot struct {
	Row         *Row
	Loading     bool
	State       ConnState
	Connected   bool
	Err         string
	LastUpdated time.Time
	Connections int
}

// Engine is the sync facade. It owns the local replica, both pending
// buffers, both timers, the instance token and the channel handle, and
// serializes every mutation under one mutex. Local edits apply
// optimistically, fan out to peers under the throttle window, and are
// persisted after the debounce delay; inbound peer messages merge into
// the replica unless they are echoes of this engine's own sends.
//
// Convergence is best-effort: last delivered value wins per field, with
// no clocks and no conflict detection.
type Engine struct {
	cfg    Config
	source string
	log    *slog.Logger

	mu          sync.Mutex
	row         *Row
	loading     bool
	state       ConnState
	errMsg      string
	lastUpdated time.Time
	connections int
	closed      bool

	pendingBroadcast Update
	pendingPersist   Update
	lastBroadcast    time.Time
	throttleTimer    *time.Timer
	debounceTimer    *time.Timer

	handle channel.Handle

	listeners    map[int]func(Snapshot)
	nextListener int
}

// New builds an Engine. It does not touch the network or the store;
// call Start for that.
func New(cfg Config) (*Engine, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("syncstate: Config.Adapter is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("syncstate: Config.Store is required")
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = BroadcastChannel
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultDebounceDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:              cfg,
		source:           uuid.NewString(),
		log:              cfg.Logger.With("row", cfg.RowID),
		loading:          true,
		pendingBroadcast: Update{},
		pendingPersist:   Update{},
		listeners:        make(map[int]func(Snapshot)),
	}, nil
}

// Source returns the engine's instance token, the value peers see in
// Message.Source.
func (e *Engine) Source() string { return e.source }

// Start fetches the row (creating the default row if it is absent),
// subscribes to the broadcast channel and tracks presence. Failures are
// recorded on the snapshot's error flag, never returned or retried; the
// subscription is attempted even when the fetch failed, matching the
// flag-based contract callers render from.
func (e *Engine) Start(ctx context.Context) {
	e.load(ctx)
	e.subscribe(ctx)
}

func (e *Engine) load(ctx context.Context) {
	row, err := e.cfg.Store.Get(ctx, e.cfg.RowID)
	if errors.Is(err, ErrNotFound) {
		// The create path is not an atomic upsert: two clients racing
		// for the same absent row both insert, and the loser surfaces
		// ErrExists like any other failure.
		row, err = e.cfg.Store.Insert(ctx, DefaultRow(e.cfg.RowID))
	}

	e.mu.Lock()
	e.loading = false
	if err != nil {
		e.errMsg = fmt.Sprintf("failed to initialize or fetch data: %v", err)
	} else {
		e.row = row.Clone()
		e.lastUpdated = time.Now()
	}
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()
	notify(fns, snap)
}

func (e *Engine) subscribe(ctx context.Context) {
	h := e.cfg.Adapter.Channel(e.cfg.ChannelName)
	h.OnBroadcast(EventStateUpdate, e.handleBroadcast)
	h.OnPresenceSync(func() { e.handlePresenceSync(h) })
	h.OnClose(e.handleClose)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.state = Subscribing
	e.mu.Unlock()

	if err := h.Subscribe(ctx); err != nil {
		e.mu.Lock()
		e.state = Disconnected
		e.errMsg = fmt.Sprintf("failed to setup real-time subscription: %v", err)
		snap, fns := e.snapshotAndListenersLocked()
		e.mu.Unlock()
		notify(fns, snap)
		return
	}

	e.mu.Lock()
	e.state = Connected
	e.handle = h
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()
	notify(fns, snap)

	// Connected: announce ourselves so presence counts include self.
	err := h.Track(ctx, map[string]any{
		"instanceId": e.source,
		"rowId":      e.cfg.RowID,
		"online_at":  time.Now().Format(time.RFC3339),
	})
	if err != nil {
		e.mu.Lock()
		e.errMsg = fmt.Sprintf("failed to setup real-time subscription: %v", err)
		snap, fns := e.snapshotAndListenersLocked()
		e.mu.Unlock()
		notify(fns, snap)
	}
}

// Snapshot returns the current row copy and status flags.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Row:         e.row.Clone(),
		Loading:     e.loading,
		State:       e.state,
		Connected:   e.state == Connected,
		Err:         e.errMsg,
		LastUpdated: e.lastUpdated,
		Connections: e.connections,
	}
}

func (e *Engine) snapshotAndListenersLocked() (Snapshot, []func(Snapshot)) {
	fns := make([]func(Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	return e.snapshotLocked(), fns
}

func notify(fns []func(Snapshot), snap Snapshot) {
	for _, fn := range fns {
		fn(snap)
	}
}

// Watch registers a listener notified synchronously after every change
// to the row, the status flags or the connection count. The listener is
// invoked once immediately with the current snapshot. The returned
// function unregisters it.
func (e *Engine) Watch(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	snap := e.snapshotLocked()
	e.mu.Unlock()

	fn(snap)
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Set applies the update to the local replica immediately, the only
// synchronous guaranteed side effect, then queues it for a throttled
// broadcast and a debounced durable write. It returns without waiting
// for either. An empty update is a no-op.
func (e *Engine) Set(update Update) {
	if len(update) == 0 {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.row != nil {
		e.row.Apply(update)
	}
	e.pendingBroadcast.merge(update)
	e.pendingPersist.merge(update)

	// Throttle: send on the leading edge if the window has passed,
	// otherwise make sure exactly one trailing send is scheduled.
	var msg *Message
	now := time.Now()
	if now.Sub(e.lastBroadcast) >= e.cfg.ThrottleWindow {
		msg = e.takeBroadcastLocked(now)
	} else if e.throttleTimer == nil {
		remaining := e.cfg.ThrottleWindow - now.Sub(e.lastBroadcast)
		e.throttleTimer = time.AfterFunc(remaining, e.throttleFire)
	}

	// Debounce: every edit pushes the durable write out again.
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.cfg.DebounceDelay, e.debounceFire)

	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()

	notify(fns, snap)
	if msg != nil {
		e.send(msg)
	}
}

// takeBroadcastLocked snapshots and clears the pending broadcast buffer
// and stamps lastBroadcast. It leaves the buffer intact while there is
// no channel yet, so pre-subscription edits go out with the first flush
// after the subscription lands.
func (e *Engine) takeBroadcastLocked(now time.Time) *Message {
	if e.handle == nil || len(e.pendingBroadcast) == 0 {
		return nil
	}
	msg := &Message{
		RowID:     e.cfg.RowID,
		Updates:   e.pendingBroadcast,
		Timestamp: now,
		Source:    e.source,
	}
	e.pendingBroadcast = Update{}
	e.lastBroadcast = now
	return msg
}

func (e *Engine) throttleFire() {
	e.mu.Lock()
	e.throttleTimer = nil
	if e.closed {
		e.mu.Unlock()
		return
	}
	msg := e.takeBroadcastLocked(time.Now())
	e.mu.Unlock()
	if msg != nil {
		e.send(msg)
	}
}

// send is fire-and-forget: broadcast loss is tolerated, peers reconverge
// through the durable store on their next load.
func (e *Engine) send(msg *Message) {
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Send(context.Background(), EventStateUpdate, msg); err != nil {
		e.log.Debug("broadcast send failed", "err", err)
	}
}

func (e *Engine) debounceFire() {
	e.mu.Lock()
	e.debounceTimer = nil
	if e.closed || len(e.pendingPersist) == 0 {
		e.mu.Unlock()
		return
	}
	fields := e.pendingPersist
	e.pendingPersist = Update{}
	e.mu.Unlock()

	e.persist(fields)
}

// persist issues one durable write. On failure the cleared buffer is
// not restored: the write is lost from the store (peers already have it
// via broadcast) and the failure is surfaced on the error flag.
func (e *Engine) persist(fields Update) {
	err := e.cfg.Store.Update(context.Background(), e.cfg.RowID, fields)

	e.mu.Lock()
	if err != nil {
		e.errMsg = fmt.Sprintf("failed to save updates: %v", err)
	} else {
		e.lastUpdated = time.Now()
	}
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()
	notify(fns, snap)
}

// handleBroadcast is the reconciler: it merges peer messages into the
// local replica, dropping messages for other rows and echoes of our own
// sends. No timestamp comparison happens; a late message overwrites
// newer local edits to the same fields.
func (e *Engine) handleBroadcast(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.log.Debug("dropping malformed broadcast", "err", err)
		return
	}
	if msg.RowID != e.cfg.RowID || msg.Source == e.source {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.row != nil {
		e.row.Apply(msg.Updates)
	}
	e.lastUpdated = time.Now()
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()
	notify(fns, snap)
}

// handlePresenceSync recomputes the connection count from the adapter's
// membership snapshot. Pure recomputation, no buffering.
func (e *Engine) handlePresenceSync(h channel.Handle) {
	count := len(h.PresenceState())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.connections = count
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()
	notify(fns, snap)
}

func (e *Engine) handleClose(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.state = Disconnected
	if err != nil {
		e.log.Debug("channel closed", "err", err)
	}
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()
	notify(fns, snap)
}

// Close tears the engine down: both timers are cancelled, a pending
// persist is issued one final time (best-effort, not awaited) and a
// pending broadcast is flushed, both before the channel unsubscribes.
// The connection is forced to Disconnected. Close is idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true

	var finalPersist Update
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
		if len(e.pendingPersist) > 0 {
			finalPersist = e.pendingPersist
			e.pendingPersist = Update{}
		}
	}

	var finalMsg *Message
	if e.throttleTimer != nil {
		e.throttleTimer.Stop()
		e.throttleTimer = nil
		finalMsg = e.takeBroadcastLocked(time.Now())
	}

	h := e.handle
	e.handle = nil
	e.state = Disconnected
	snap, fns := e.snapshotAndListenersLocked()
	e.mu.Unlock()

	if finalPersist != nil {
		go func() {
			if err := e.cfg.Store.Update(context.Background(), e.cfg.RowID, finalPersist); err != nil {
				e.log.Debug("final persist failed", "err", err)
			}
		}()
	}
	if finalMsg != nil && h != nil {
		if err := h.Send(context.Background(), EventStateUpdate, finalMsg); err != nil {
			e.log.Debug("final broadcast failed", "err", err)
		}
	}
	if h != nil {
		if err := h.Unsubscribe(); err != nil {
			e.log.Debug("unsubscribe failed", "err", err)
		}
	}
	notify(fns, snap)
}
