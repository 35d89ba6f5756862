package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func subscribed(t *testing.T, mem *Memory, name string) Handle {
	t.Helper()
	h := mem.Channel(name)
	if err := h.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { h.Unsubscribe() })
	return h
}

func TestMemoryBroadcastReachesAllSubscribersIncludingSender(t *testing.T) {
	mem := NewMemory()

	var mu sync.Mutex
	got := map[string][]string{}
	collect := func(who string) func(json.RawMessage) {
		return func(p json.RawMessage) {
			var s string
			json.Unmarshal(p, &s)
			mu.Lock()
			got[who] = append(got[who], s)
			mu.Unlock()
		}
	}

	a := mem.Channel("room")
	a.OnBroadcast("ping", collect("a"))
	b := mem.Channel("room")
	b.OnBroadcast("ping", collect("b"))
	for _, h := range []Handle{a, b} {
		if err := h.Subscribe(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.Send(context.Background(), "ping", "hello"); err != nil {
		t.Fatal(err)
	}

	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["a"]) == 1 && len(got["b"]) == 1
	}, "broadcast did not reach both subscribers")
	mu.Lock()
	if got["a"][0] != "hello" || got["b"][0] != "hello" {
		t.Errorf("payloads = %v", got)
	}
	mu.Unlock()
}

func TestMemoryBroadcastScopedToChannel(t *testing.T) {
	mem := NewMemory()

	var mu sync.Mutex
	other := 0
	b := mem.Channel("other-room")
	b.OnBroadcast("ping", func(json.RawMessage) {
		mu.Lock()
		other++
		mu.Unlock()
	})
	if err := b.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	a := subscribed(t, mem, "room")

	if err := a.Send(context.Background(), "ping", 1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if other != 0 {
		t.Errorf("message leaked across channels (%d deliveries)", other)
	}
}

func TestMemorySendRequiresSubscription(t *testing.T) {
	mem := NewMemory()
	h := mem.Channel("room")
	if err := h.Send(context.Background(), "ping", 1); err == nil {
		t.Error("Send before Subscribe should fail")
	}
	if err := h.Track(context.Background(), map[string]any{}); err == nil {
		t.Error("Track before Subscribe should fail")
	}
}

func TestMemoryPresenceLifecycle(t *testing.T) {
	mem := NewMemory()

	a := subscribed(t, mem, "room")
	b := subscribed(t, mem, "room")

	var mu sync.Mutex
	syncs := 0
	c := mem.Channel("room")
	c.OnPresenceSync(func() {
		mu.Lock()
		syncs++
		mu.Unlock()
	})
	if err := c.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Unsubscribe()

	if err := a.Track(context.Background(), map[string]any{"instanceId": "a"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Track(context.Background(), map[string]any{"instanceId": "b"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { return len(c.PresenceState()) == 2 }, "both members should be present")

	state := c.PresenceState()
	found := map[string]bool{}
	for _, entries := range state {
		for _, meta := range entries {
			if id, ok := meta["instanceId"].(string); ok {
				found[id] = true
			}
		}
	}
	if !found["a"] || !found["b"] {
		t.Errorf("presence metas = %v", state)
	}

	// Untrack removes a member without dropping its subscription.
	if err := a.Untrack(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { return len(c.PresenceState()) == 1 }, "untrack not reflected")

	// Unsubscribe removes a tracked member entirely.
	if err := b.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { return len(c.PresenceState()) == 0 }, "unsubscribe left presence behind")

	mu.Lock()
	if syncs == 0 {
		t.Error("presence sync callbacks never fired")
	}
	mu.Unlock()
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	mem := NewMemory()

	var mu sync.Mutex
	seen := 0
	a := mem.Channel("room")
	a.OnBroadcast("ping", func(json.RawMessage) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	if err := a.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	b := subscribed(t, mem, "room")

	if err := a.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(context.Background(), "ping", 1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if seen != 0 {
		t.Errorf("unsubscribed handle still received %d messages", seen)
	}
}
