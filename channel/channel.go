// Package channel defines the pub/sub transport surface the sync engine
// runs on: named channels carrying broadcast events plus a presence
// membership set. Two implementations ship with it: an in-process
// broker for tests and single-process setups, and a websocket client
// for the relay service.
package channel

import (
	"context"
	"encoding/json"
)

// Adapter hands out channel handles by name. Handles from the same
// adapter share a broker; handles from different adapters only meet if
// their transports are bridged.
type Adapter interface {
	Channel(name string) Handle
}

// Handle is one subscription to one named channel. Callbacks must be
// registered before Subscribe; registrations after Subscribe are not
// guaranteed to see events already in flight.
type Handle interface {
	// OnBroadcast registers a callback for a named broadcast event.
	// The payload is the raw JSON the sender passed to Send.
	OnBroadcast(event string, fn func(payload json.RawMessage))

	// OnPresenceSync registers a callback fired whenever the presence
	// membership changes. The callback reads PresenceState itself.
	OnPresenceSync(fn func())

	// OnClose registers a callback fired when the channel closes
	// underneath the subscriber. A handle that closes stays closed;
	// reconnection is the caller's problem.
	OnClose(fn func(err error))

	// Subscribe joins the channel. Events start flowing after it
	// returns nil.
	Subscribe(ctx context.Context) error

	// Send broadcasts an event to every subscriber of the channel,
	// the sender included.
	Send(ctx context.Context, event string, payload any) error

	// Track publishes this subscriber's presence with the given
	// metadata, adding it to the membership set.
	Track(ctx context.Context, meta map[string]any) error

	// Untrack withdraws this subscriber's presence.
	Untrack(ctx context.Context) error

	// PresenceState returns the membership snapshot as of the last
	// presence sync: member key to the metadata entries tracked under
	// that key.
	PresenceState() map[string][]map[string]any

	// Unsubscribe leaves the channel and releases the handle.
	Unsubscribe() error
}
