package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bridgeChannel = "inkwell:events"

// envelope is the wire form of an event on the cross-process channel.
type envelope struct {
	Origin  string          `json:"origin"`
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge mirrors the local bus over Redis pub/sub so multiple processes see
// one logical event stream. Local events are PUBLISHed with this process's
// origin id; received events from other origins are re-injected locally.
// Delivery across processes is best-effort, same as the local bus.
type Bridge struct {
	bus    *Bus
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewBridge creates a bridge between the bus and the Redis channel.
func NewBridge(bus *Bus, client *redis.Client, logger *zap.Logger) *Bridge {
	return &Bridge{
		bus:    bus,
		client: client,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Run pumps events in both directions until the context is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	sub := br.bus.Subscribe()
	defer sub.Unsubscribe()

	pubsub := br.client.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	// Wait for the Redis subscription to be confirmed so we do not lose the
	// window between process start and the first local publish.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", bridgeChannel, err)
	}

	remote := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.Origin != "" {
				// Came off the wire already; do not echo it back.
				continue
			}
			br.forward(ctx, ev)

		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			br.inject(msg.Payload)
		}
	}
}

func (br *Bridge) forward(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		br.logger.Warn("event not marshalable, skipping fanout",
			zap.String("topic", string(ev.Topic)), zap.Error(err))
		return
	}
	data, err := json.Marshal(envelope{Origin: br.origin, Topic: ev.Topic, Payload: payload})
	if err != nil {
		br.logger.Warn("envelope marshal failed", zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := br.client.Publish(pubCtx, bridgeChannel, data).Err(); err != nil {
		br.logger.Warn("cross-process publish failed",
			zap.String("topic", string(ev.Topic)), zap.Error(err))
	}
}

func (br *Bridge) inject(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		br.logger.Warn("malformed event envelope", zap.Error(err))
		return
	}
	if env.Origin == br.origin {
		return
	}
	if !env.Topic.IsValid() {
		br.logger.Warn("unknown topic on event channel", zap.String("topic", string(env.Topic)))
		return
	}
	br.bus.Publish(Event{Topic: env.Topic, Payload: env.Payload, Origin: env.Origin})
}
