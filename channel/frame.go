package channel

import "encoding/json"

// Frame types on the relay websocket protocol.
const (
	FrameBroadcast = "broadcast"
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FramePresence  = "presence_state"
)

// Frame is one JSON message on a relay websocket, in either direction.
// Clients send broadcast/track/untrack; the relay sends broadcast and
// presence_state. Unused fields are omitted on the wire.
type Frame struct {
	Type    string                      `json:"type"`
	Event   string                      `json:"event,omitempty"`
	Payload json.RawMessage             `json:"payload,omitempty"`
	Meta    map[string]any              `json:"meta,omitempty"`
	State   map[string][]map[string]any `json:"state,omitempty"`
}
