package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces relay traffic in a shared Redis.
const keyPrefix = "rivesync:"

// Bridge fans broadcasts out across relay instances through Redis
// pub/sub. Presence stays instance-local: clients of different relay
// instances see each other's broadcasts but not each other's presence.
type Bridge struct {
	rdb      *redis.Client
	instance string
	log      *slog.Logger
}

// NewBridge wraps an already-connected Redis client.
func NewBridge(rdb *redis.Client) *Bridge {
	return &Bridge{
		rdb:      rdb,
		instance: uuid.NewString(),
		log:      slog.Default(),
	}
}

// envelope tags a frame with the publishing instance so subscribers can
// skip their own messages and avoid redelivery loops.
type envelope struct {
	Instance string          `json:"instance"`
	Frame    json.RawMessage `json:"frame"`
}

func (b *Bridge) publish(channelName string, raw []byte) {
	env, err := json.Marshal(envelope{Instance: b.instance, Frame: raw})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(context.Background(), keyPrefix+channelName, env).Err(); err != nil {
		b.log.Debug("bridge publish failed", "channel", channelName, "err", err)
	}
}

// run subscribes to the channel's Redis topic and forwards frames from
// other instances into deliver until quit closes.
func (b *Bridge) run(quit <-chan struct{}, channelName string, deliver chan<- []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.rdb.Subscribe(ctx, keyPrefix+channelName)
	go func() {
		<-quit
		cancel()
		pubsub.Close()
	}()

	for msg := range pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Debug("bridge dropped malformed envelope", "channel", channelName, "err", err)
			continue
		}
		if env.Instance == b.instance {
			continue
		}
		select {
		case deliver <- env.Frame:
		case <-quit:
			return
		}
	}
}
