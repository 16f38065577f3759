package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/clinicaccess/pkg/observability"
)

// DefaultChannel is the Redis channel carrying invalidation events
const DefaultChannel = "clinicaccess:invalidate"

// Applier receives invalidations published by other processes
type Applier interface {
	ApplyRemote(ctx context.Context, ev Event)
}

type busMessage struct {
	Origin string `json:"origin"`
	Event
}

// RedisBus fans invalidation events out over Redis pub/sub.
// Messages carry the publishing bus ID so a process ignores its own events.
type RedisBus struct {
	client  *redis.Client
	channel string
	id      string
	logger  *observability.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ Publisher = (*RedisBus)(nil)

// NewRedisBus creates a bus on channel. An empty channel uses DefaultChannel.
func NewRedisBus(client *redis.Client, channel string, logger *observability.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	id := uuid.NewString()
	return &RedisBus{
		client:  client,
		channel: channel,
		id:      id,
		logger:  logger.WithFields(map[string]interface{}{"component": "fetch.bus", "bus_id": id}),
	}
}

// ID returns the origin identifier stamped on published messages
func (b *RedisBus) ID() string {
	return b.id
}

// Publish sends an event to every other subscribed process
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(busMessage{Origin: b.id, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and applies remote events to dst until
// Close is called or ctx is done. It returns once the subscription is confirmed.
func (b *RedisBus) Listen(ctx context.Context, dst Applier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("bus already listening on %s", b.channel)
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe failed: %w", err)
	}

	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.consume(ctx, pubsub.Channel(), dst, b.done)

	b.logger.WithField("channel", b.channel).Info("Listening for invalidations")
	return nil
}

func (b *RedisBus) consume(ctx context.Context, messages <-chan *redis.Message, dst Applier, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handle(ctx, msg, dst)
		}
	}
}

func (b *RedisBus) handle(ctx context.Context, msg *redis.Message, dst Applier) {
	defer observability.RecoverPanic(b.logger, "invalidation bus")

	var m busMessage
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		b.logger.WithError(err).Warn("Dropping malformed invalidation message")
		return
	}
	if m.Origin == b.id || m.Event.Empty() {
		return
	}
	dst.ApplyRemote(ctx, m.Event)
}

// Close stops listening and waits for the consumer to exit
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
