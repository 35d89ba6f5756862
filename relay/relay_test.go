package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonathanhooker/rivesync/channel"
	"github.com/jonathanhooker/rivesync/rowstore"
	"github.com/jonathanhooker/rivesync/syncstate"
)

func startRelay(t *testing.T) *channel.WS {
	t.Helper()
	srv := NewServer(nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return channel.NewWS("ws://" + strings.TrimPrefix(ts.URL, "http://"))
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRelayBroadcastFanOut(t *testing.T) {
	adapter := startRelay(t)

	var mu sync.Mutex
	got := map[string][]string{}
	handle := func(who string) channel.Handle {
		h := adapter.Channel("room")
		h.OnBroadcast("ping", func(p json.RawMessage) {
			var s string
			json.Unmarshal(p, &s)
			mu.Lock()
			got[who] = append(got[who], s)
			mu.Unlock()
		})
		if err := h.Subscribe(context.Background()); err != nil {
			t.Fatalf("%s subscribe: %v", who, err)
		}
		t.Cleanup(func() { h.Unsubscribe() })
		return h
	}
	a := handle("a")
	handle("b")

	if err := a.Send(context.Background(), "ping", "hello"); err != nil {
		t.Fatal(err)
	}

	// The room echoes to every client, the sender included.
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 1 && len(got["b"]) == 1
	}, "broadcast did not reach both clients")
}

func TestRelayPresence(t *testing.T) {
	adapter := startRelay(t)

	a := adapter.Channel("room")
	b := adapter.Channel("room")
	for who, h := range map[string]channel.Handle{"a": a, "b": b} {
		if err := h.Subscribe(context.Background()); err != nil {
			t.Fatalf("%s subscribe: %v", who, err)
		}
	}
	t.Cleanup(func() { b.Unsubscribe() })

	if err := a.Track(context.Background(), map[string]any{"instanceId": "a"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool { return len(b.PresenceState()) == 1 }, "tracked member not visible to peer")

	if err := b.Track(context.Background(), map[string]any{"instanceId": "b"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool { return len(a.PresenceState()) == 2 }, "second member not visible")

	// Dropping the connection withdraws the presence entry.
	if err := a.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, func() bool { return len(b.PresenceState()) == 1 }, "departed member still present")
}

func TestRelayChannelsAreIsolated(t *testing.T) {
	adapter := startRelay(t)

	var mu sync.Mutex
	leaked := 0
	other := adapter.Channel("other")
	other.OnBroadcast("ping", func(json.RawMessage) {
		mu.Lock()
		leaked++
		mu.Unlock()
	})
	if err := other.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { other.Unsubscribe() })

	a := adapter.Channel("room")
	if err := a.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Unsubscribe() })
	if err := a.Send(context.Background(), "ping", 1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if leaked != 0 {
		t.Errorf("message crossed channels (%d deliveries)", leaked)
	}
}

// TestEnginesConvergeOverRelay runs the whole stack: two sync engines,
// websocket channels through a live relay, and a shared bolt store.
func TestEnginesConvergeOverRelay(t *testing.T) {
	adapter := startRelay(t)

	store, err := rowstore.NewBolt(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	newEngine := func() *syncstate.Engine {
		e, err := syncstate.New(syncstate.Config{
			RowID:         1,
			Adapter:       adapter,
			Store:         store,
			DebounceDelay: 100 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		e.Start(context.Background())
		if snap := e.Snapshot(); snap.Err != "" {
			t.Fatalf("engine failed to start: %s", snap.Err)
		}
		t.Cleanup(e.Close)
		return e
	}
	a := newEngine()
	b := newEngine()

	eventually(t, 2*time.Second, func() bool { return a.Snapshot().Connections == 2 }, "presence never reached 2")

	a.Set(syncstate.Update{"slider_1": 11})
	b.Set(syncstate.Update{"slider_2": 22, "mode": 2})

	converged := func(e *syncstate.Engine) bool {
		row := e.Snapshot().Row
		return row != nil && row.Sliders[0] == 11 && row.Sliders[1] == 22 && row.Mode == 2
	}
	eventually(t, 3*time.Second, func() bool { return converged(a) && converged(b) }, "engines never converged over the relay")

	// The debounced writes also land durably.
	eventually(t, 3*time.Second, func() bool {
		row, err := store.Get(context.Background(), 1)
		return err == nil && row.Sliders[0] == 11 && row.Sliders[1] == 22 && row.Mode == 2
	}, "durable store never caught up")
}
